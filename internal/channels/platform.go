// Package channels connects chat platforms to conversation turns: it
// describes each platform's message conventions and turns a turn's token
// stream into platform messages.
package channels

import (
	"fmt"

	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// Platform holds the message conventions of one chat platform.
type Platform struct {
	Name models.ChannelType
	// SplitToken is the marker the model emits to start a new message.
	SplitToken string
	// SoftLimit is the message length the model is asked to stay under.
	SoftLimit int
	// HardLimit is the platform's maximum message length. Zero means none.
	HardLimit int
	// Formatting describes the markup the platform renders.
	Formatting string
}

const (
	DiscordSplitToken = "<discord:new_message>"
	SlackSplitToken   = "<slack:new_message>"
	DefaultSplitToken = "<new_message>"

	// SlackSectionLimit bounds the text of one Slack section block.
	SlackSectionLimit = 3000
)

var (
	Discord = Platform{
		Name:       models.ChannelDiscord,
		SplitToken: DiscordSplitToken,
		SoftLimit:  1500,
		HardLimit:  2000,
		Formatting: "Discord markdown",
	}
	Slack = Platform{
		Name:       models.ChannelSlack,
		SplitToken: SlackSplitToken,
		SoftLimit:  4000,
		HardLimit:  40000,
		Formatting: "Slack mrkdwn (*bold*, _italic_, <url|text> links)",
	}
	WhatsApp = Platform{
		Name:       models.ChannelWhatsApp,
		SplitToken: DefaultSplitToken,
		SoftLimit:  2000,
		HardLimit:  65536,
		Formatting: "WhatsApp formatting (*bold*, _italic_, ```code```)",
	}
	Web = Platform{
		Name:       models.ChannelWeb,
		SplitToken: DefaultSplitToken,
		SoftLimit:  2000,
		Formatting: "GitHub flavored markdown",
	}
)

// PlatformFor returns the conventions for a channel type, falling back to
// the web defaults.
func PlatformFor(name models.ChannelType) Platform {
	switch name {
	case models.ChannelDiscord:
		return Discord
	case models.ChannelSlack:
		return Slack
	case models.ChannelWhatsApp:
		return WhatsApp
	default:
		p := Web
		p.Name = name
		return p
	}
}

// Instructions is the platform block appended to the system prompt.
func (p Platform) Instructions() string {
	return fmt.Sprintf(
		"You are replying on %s. Format replies with %s. "+
			"Keep each message under %d characters. To start a new message, output %s on its own; "+
			"prefer splitting long answers at that marker rather than mid-sentence.",
		p.Name, p.Formatting, p.SoftLimit, p.SplitToken,
	)
}
