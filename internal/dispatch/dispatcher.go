// Package dispatch delivers outbound replies over the channel-appropriate
// transport and sender identity.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/arogyamitra/arogyabot/internal/config"
)

// Channel identifies the transport a message arrived on and therefore the
// transport its reply leaves on.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelGateway  Channel = "gateway"
	ChannelWeb      Channel = "web"
)

// Messenger sends a reply back to an address over the given channel.
type Messenger interface {
	Deliver(ctx context.Context, address, text string, channel Channel) error
}

// messageCreator is the slice of the Twilio SDK the dispatcher uses.
type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioMessenger delivers via the Twilio messaging API: the WhatsApp sender
// identity for the messaging-app channel, the plain SMS number for everything
// else that needs a send. The web channel is a no-op because its reply is
// returned synchronously in the HTTP response.
type TwilioMessenger struct {
	api            messageCreator
	log            *slog.Logger
	smsNumber      string
	whatsappNumber string
}

// NewTwilioMessenger creates a Messenger backed by the Twilio REST client.
func NewTwilioMessenger(cfg config.TwilioConfig, log *slog.Logger) *TwilioMessenger {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioMessenger{
		api:            client.Api,
		log:            log.With("component", "dispatcher"),
		smsNumber:      cfg.SMSNumber,
		whatsappNumber: cfg.WhatsAppNumber,
	}
}

// Deliver sends text to address on the given channel. A failed send is an
// error for the caller to log; nothing is retried and already-persisted
// history is never rolled back.
func (m *TwilioMessenger) Deliver(ctx context.Context, address, text string, channel Channel) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var from, to string
	switch channel {
	case ChannelWhatsApp:
		from = "whatsapp:" + m.whatsappNumber
		to = "whatsapp:" + address
	case ChannelSMS, ChannelGateway:
		from = m.smsNumber
		to = address
	case ChannelWeb:
		// Reply travels back in the HTTP response.
		m.log.DebugContext(ctx, "Skipping outbound delivery for web channel", "address", address)
		return nil
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}

	params := &openapi.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(to)
	params.SetBody(text)

	msg, err := m.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send message to %s via %s: %w", address, channel, err)
	}

	sid := ""
	if msg.Sid != nil {
		sid = *msg.Sid
	}
	m.log.InfoContext(ctx, "Delivered reply", "address", address, "channel", channel, "message_sid", sid)
	return nil
}
