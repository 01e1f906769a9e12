package notify

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the notification fanout based on flags. Each sink is
// enabled independently.
func Configured() *Fanout {
	f := NewFanout()

	pushoverEnabled := lflag.Bool("pushover-enabled", false, "Send notifications through Pushover")
	pushoverURL := lflag.String("pushover-api-url", "https://api.pushover.net/1/messages.json", "URL for the Pushover messages API")
	pushoverToken := lflag.String("pushover-token", "", "Pushover application token")
	pushoverUser := lflag.String("pushover-user", "", "Pushover user or group key that receives notifications")
	pushoverDevice := lflag.String("pushover-device", "", "Restrict Pushover delivery to this device (optional)")

	twilioEnabled := lflag.Bool("twilio-enabled", false, "Send notifications as SMS through Twilio")
	twilioURL := lflag.String("twilio-api-url", "https://api.twilio.com", "Base URL for the Twilio API")
	twilioSID := lflag.String("twilio-account-sid", "", "Twilio account SID")
	twilioToken := lflag.String("twilio-auth-token", "", "Twilio auth token")
	twilioFrom := lflag.String("twilio-from", "", "Number SMS are sent from")
	twilioTo := lflag.String("twilio-to", "", "Number SMS are sent to")

	mqttEnabled := lflag.Bool("mqtt-enabled", false, "Publish notifications to an MQTT broker")
	mqttBroker := lflag.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker address")
	mqttClientID := lflag.String("mqtt-client-id", "powerrudder", "MQTT client ID")
	mqttUsername := lflag.String("mqtt-username", "", "MQTT username (optional)")
	mqttPassword := lflag.String("mqtt-password", "", "MQTT password (optional)")
	mqttTopic := lflag.String("mqtt-topic", "powerrudder/notifications", "MQTT topic notifications are published to")

	lflag.Do(func() {
		if *pushoverEnabled {
			p := NewPushover(*pushoverURL, *pushoverToken, *pushoverUser, *pushoverDevice)
			if err := p.Validate(); err != nil {
				panic(fmt.Sprintf("pushover validation failed: %v", err))
			}
			f.AddSink(p)
		}
		if *twilioEnabled {
			t := NewTwilio(*twilioURL, *twilioSID, *twilioToken, *twilioFrom, *twilioTo)
			if err := t.Validate(); err != nil {
				panic(fmt.Sprintf("twilio validation failed: %v", err))
			}
			f.AddSink(t)
		}
		if *mqttEnabled {
			c, err := DialMQTT(*mqttBroker, *mqttClientID, *mqttUsername, *mqttPassword)
			if err != nil {
				panic(fmt.Sprintf("mqtt init failed: %v", err))
			}
			f.AddSink(NewMQTT(c, *mqttTopic))
		}
	})

	return f
}
