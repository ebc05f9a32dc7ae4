package main

import (
	"fmt"
	"strings"
)

// hexDumpParallelSector reads one 4K sector from the parallel flash and
// prints it as a classic 16-bytes-per-line hex dump with an ASCII gutter.
// Pure presentation over pkg/parflash.ReadSector — no core upload/erase
// semantics live here.
func (c *console) hexDumpParallelSector(sectorBase uint32) {
	var buf [4096]byte
	if err := c.parallel.ReadSector(sectorBase, &buf); err != nil {
		c.println(fmt.Sprintf("hex-dump read failed: %v\r\n", err))
		return
	}
	c.print(formatHexDump(sectorBase, buf[:]))
}

func formatHexDump(base uint32, data []byte) string {
	var b strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[offset:end]

		fmt.Fprintf(&b, "%08x  ", base+uint32(offset))
		for i := 0; i < 16; i++ {
			if i < len(line) {
				fmt.Fprintf(&b, "%02x ", line[i])
			} else {
				b.WriteString("   ")
			}
			if i == 7 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(" |")
		for _, v := range line {
			if v >= 0x20 && v < 0x7f {
				b.WriteByte(v)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteString("|\r\n")
	}
	return b.String()
}
