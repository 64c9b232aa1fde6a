package command

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/pkg/cmd"
)

// Discord-specific contexts passed as cmd.Invocation.Data.

type SlashInteractionContext struct {
	Session *discordgo.Session
	Event   *discordgo.InteractionCreate
	Logger  zerolog.Logger
}

// ComponentInteractionContext is used for both button presses and modal
// submissions.
type ComponentInteractionContext struct {
	Session  *discordgo.Session
	Event    *discordgo.InteractionCreate
	CustomID string
	Logger   zerolog.Logger
}

// Interaction returns the interaction carried by a Discord context, or nil.
func Interaction(data any) *discordgo.InteractionCreate {
	switch v := data.(type) {
	case *SlashInteractionContext:
		return v.Event
	case *ComponentInteractionContext:
		return v.Event
	}
	return nil
}

type SlashProvider interface {
	SlashDefinition() *discordgo.ApplicationCommand
}

type ComponentInteractionHandler interface {
	Component(ctx context.Context, c *ComponentInteractionContext) error
}

type ModalSubmitHandler interface {
	ModalSubmit(ctx context.Context, c *ComponentInteractionContext) error
}

// DiscordMeta lets middleware read command metadata without knowing the
// concrete command type.
type DiscordMeta interface {
	Group() string
	Category() string
	UserPermissions() []int64
}

// DiscordCommand is what individual Discord commands implement.
type DiscordCommand interface {
	DiscordMeta
	Name() string
	Description() string
	Run(ctx context.Context, data any) error
}

// DiscordAdapter turns a DiscordCommand into a cmd.Command and forwards the
// provider interfaces to it.
type DiscordAdapter struct {
	Cmd DiscordCommand
}

func (a *DiscordAdapter) Name() string             { return a.Cmd.Name() }
func (a *DiscordAdapter) Description() string      { return a.Cmd.Description() }
func (a *DiscordAdapter) Group() string            { return a.Cmd.Group() }
func (a *DiscordAdapter) Category() string         { return a.Cmd.Category() }
func (a *DiscordAdapter) UserPermissions() []int64 { return a.Cmd.UserPermissions() }

// Run dispatches on the kind of context: slash invocations go to Run,
// components and modals to their handlers.
func (a *DiscordAdapter) Run(ctx context.Context, inv *cmd.Invocation) error {
	c, ok := inv.Data.(*ComponentInteractionContext)
	if !ok {
		return a.Cmd.Run(ctx, inv.Data)
	}
	if c.Event.Type == discordgo.InteractionModalSubmit {
		if h, ok := a.Cmd.(ModalSubmitHandler); ok {
			return h.ModalSubmit(ctx, c)
		}
		return nil
	}
	if h, ok := a.Cmd.(ComponentInteractionHandler); ok {
		return h.Component(ctx, c)
	}
	return nil
}

func (a *DiscordAdapter) SlashDefinition() *discordgo.ApplicationCommand {
	if sp, ok := a.Cmd.(SlashProvider); ok {
		return sp.SlashDefinition()
	}
	return nil
}

// RegisterCommand adds a Discord command to the default registry, wrapped
// in mws.
func RegisterCommand(c DiscordCommand, mws ...cmd.Middleware) {
	cmd.DefaultRegistry.Register(cmd.Apply(&DiscordAdapter{Cmd: c}, mws...))
}

// OwnerOf finds the command owning a component custom id. Custom ids are
// namespaced as "<command>:<rest>".
func OwnerOf(reg *cmd.Registry, customID string) cmd.Command {
	name, _, ok := strings.Cut(customID, ":")
	if !ok {
		return nil
	}
	return reg.Get(name)
}
