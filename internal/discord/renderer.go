package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/playdeck/internal/music/panel"
)

// VolumeModalID is the custom id of the volume dialog.
const VolumeModalID = "music:volume"

// VolumeInputID is the text input inside the volume dialog.
const VolumeInputID = "volume"

// Renderer posts control panels as embeds with button rows.
type Renderer struct {
	dg *discordgo.Session
}

func NewRenderer(dg *discordgo.Session) *Renderer {
	return &Renderer{dg: dg}
}

func (r *Renderer) Send(ctx context.Context, channelID string, p panel.Payload) (string, error) {
	msg, err := r.dg.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{PanelEmbed(p)},
		Components: PanelComponents(p),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (r *Renderer) Edit(ctx context.Context, channelID, messageID string, p panel.Payload) error {
	embeds := []*discordgo.MessageEmbed{PanelEmbed(p)}
	components := PanelComponents(p)
	_, err := r.dg.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         messageID,
		Channel:    channelID,
		Embeds:     &embeds,
		Components: &components,
	}, discordgo.WithContext(ctx))
	if isUnknownMessage(err) {
		return fmt.Errorf("%w: %v", panel.ErrMessageNotFound, err)
	}
	return err
}

func (r *Renderer) Notify(ctx context.Context, channelID, text string) error {
	_, err := r.dg.ChannelMessageSendEmbed(channelID, &discordgo.MessageEmbed{
		Description: text,
		Color:       EmbedColor,
	}, discordgo.WithContext(ctx))
	return err
}

func isUnknownMessage(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Message != nil && rest.Message.Code == discordgo.ErrCodeUnknownMessage {
		return true
	}
	return rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound
}

// PanelEmbed converts a panel payload into an embed.
func PanelEmbed(p panel.Payload) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       p.Title,
		Description: p.Description,
		Color:       p.Color,
	}
	for _, f := range p.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if p.Thumbnail != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: p.Thumbnail}
	}
	if p.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: p.Footer}
	}
	if !p.Timestamp.IsZero() {
		e.Timestamp = p.Timestamp.UTC().Format(time.RFC3339)
	}
	return e
}

// buttonsPerRow is the most buttons Discord accepts in one action row.
const buttonsPerRow = 5

// PanelComponents lays the panel buttons out in action rows.
func PanelComponents(p panel.Payload) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	var row []discordgo.MessageComponent
	for _, b := range p.Buttons {
		btn := discordgo.Button{
			CustomID: panel.CustomID(b.Action),
			Label:    b.Label,
			Style:    buttonStyle(b.Style),
			Disabled: b.Disabled,
		}
		if b.Emoji != "" {
			btn.Emoji = &discordgo.ComponentEmoji{Name: b.Emoji}
		}
		row = append(row, btn)
		if len(row) == buttonsPerRow {
			rows = append(rows, discordgo.ActionsRow{Components: row})
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, discordgo.ActionsRow{Components: row})
	}
	return rows
}

func buttonStyle(s panel.ButtonStyle) discordgo.ButtonStyle {
	switch s {
	case panel.StyleSuccess:
		return discordgo.SuccessButton
	case panel.StyleDanger:
		return discordgo.DangerButton
	case panel.StyleSecondary:
		return discordgo.SecondaryButton
	}
	return discordgo.PrimaryButton
}

// VolumeModal is the dialog opened by the panel's volume button.
func VolumeModal(current int) *discordgo.InteractionResponseData {
	return &discordgo.InteractionResponseData{
		CustomID: VolumeModalID,
		Title:    "Adjust Volume",
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:    VolumeInputID,
					Label:       "Volume (1-100)",
					Style:       discordgo.TextInputShort,
					Placeholder: fmt.Sprintf("%d", current),
					Required:    true,
					MinLength:   1,
					MaxLength:   4,
				},
			}},
		},
	}
}

// ModalValue returns the value of the text input customID in a modal
// submission.
func ModalValue(data discordgo.ModalSubmitInteractionData, customID string) string {
	for _, c := range data.Components {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, inner := range row.Components {
			if in, ok := inner.(*discordgo.TextInput); ok && in.CustomID == customID {
				return in.Value
			}
		}
	}
	return ""
}
