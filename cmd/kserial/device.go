package main

import (
	"context"
	"log"

	"github.com/banshee-data/kserial/internal/config"
	"github.com/banshee-data/kserial/internal/ingest"
	"github.com/banshee-data/kserial/internal/kserial"
)

func typeName(t int) string {
	return kserial.DataType(t).String()
}

// startupCommands lists the frames sent once the link is up, in order.
func startupCommands(dev config.DeviceConfig) [][]byte {
	var frames [][]byte
	if dev.CheckOnStart != nil && *dev.CheckOnStart {
		frames = append(frames, kserial.CheckDevice())
	}
	if dev.Mode != nil {
		frames = append(frames, kserial.SetMode(*dev.Mode))
	}
	if dev.UpdateRate != nil && *dev.UpdateRate > 0 {
		frames = append(frames, kserial.SetUpdateRate(*dev.UpdateRate))
	}
	return frames
}

// deviceReplyLogger logs the board's answers to device commands.
func deviceReplyLogger() ingest.Sink {
	return ingest.SinkFunc(func(_ context.Context, b ingest.Batch) error {
		for _, p := range b.Packets {
			if p.Type != int(kserial.R0) || len(p.Params) < 1 {
				continue
			}
			if len(p.Data) == 0 {
				if id, err := kserial.DeviceID(p); err == nil {
					log.Printf("device id 0x%04X", id)
				}
				continue
			}
			for _, cmd := range []uint8{kserial.CmdBaudRate, kserial.CmdUpdateRate} {
				if v, err := kserial.ReplyValue(p, cmd); err == nil {
					log.Printf("device reply 0x%02X = %d", cmd, v)
				}
			}
		}
		return nil
	})
}
