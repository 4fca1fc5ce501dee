package protocol

// Bit-reflected CRC-8 step table. After XORing an input byte into the
// accumulator, the accumulator is replaced by the XOR of the constants whose
// bit is set in it.
var crcSteps = [8]byte{0x07, 0x0E, 0x1C, 0x38, 0x70, 0xE0, 0xC7, 0x89}

// Checksum computes the peripheral's 8-bit frame checksum.
func Checksum(data []byte) byte {
	var acc byte
	for _, b := range data {
		acc ^= b

		var next byte
		for bit := 0; bit < 8; bit++ {
			if acc&(1<<bit) != 0 {
				next ^= crcSteps[bit]
			}
		}
		acc = next
	}

	return acc
}
