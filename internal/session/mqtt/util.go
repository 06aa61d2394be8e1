package mqtt

import (
	"fmt"
	"time"

	"github.com/256dpi/gomqtt/packet"
)

// PacketString prints PUBLISH payload as hex.
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x", m.Topic, m.QOS, m.Retain, m.Payload)
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}

func keepaliveAndHalf(sec uint16) time.Duration {
	d := time.Duration(sec) * time.Second
	return d + d/2
}
