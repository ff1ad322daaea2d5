package wire

// CRC16 computes CRC16-CCITT/FALSE (polynomial 0x1021, initial value
// 0x0000, no reflection) over data, used for both the transfer header
// and the packet body. This is distinct from the Klipper-style CRC16
// (init 0xFFFF, nibble-folded) some firmware links use.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
