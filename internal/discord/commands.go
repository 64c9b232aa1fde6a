package discord

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/playdeck/internal/command"
	"github.com/keshon/playdeck/pkg/cmd"
)

// registerCommands syncs slash commands for a guild with Discord:
// deletes obsolete ones, creates/updates commands whose definition has changed.
func (b *Bot) registerCommands(guildID string) error {
	appID := b.UserID()
	if appID == "" {
		id, err := b.FetchUserID()
		if err != nil {
			return err
		}
		appID = id
	}

	remote, err := b.dg.ApplicationCommands(appID, guildID)
	if err != nil {
		return fmt.Errorf("list commands: %w", err)
	}
	local := commandDefinitions(b.registry)
	cache := commandCache{dir: b.cfg.CommandCacheDir}
	hashes := cache.load(guildID)

	wanted := make(map[string]struct{}, len(local))
	for _, d := range local {
		wanted[d.Name] = struct{}{}
	}
	for _, rc := range remote {
		if _, ok := wanted[rc.Name]; ok {
			continue
		}
		b.log.Info().Str("guild", guildID).Str("command", rc.Name).Msg("[Discord] deleting obsolete command")
		if err := b.dg.ApplicationCommandDelete(appID, guildID, rc.ID); err != nil {
			b.log.Error().Err(err).Str("guild", guildID).Str("command", rc.Name).Msg("[Discord] failed to delete command")
			continue
		}
		delete(hashes, rc.Name)
	}

	registered := make(map[string]struct{}, len(remote))
	for _, rc := range remote {
		registered[rc.Name] = struct{}{}
	}
	for _, d := range ChangedCommands(local, hashes, registered) {
		if _, err := b.dg.ApplicationCommandCreate(appID, guildID, d); err != nil {
			b.log.Error().Err(err).Str("guild", guildID).Str("command", d.Name).Msg("[Discord] failed to register command")
			continue
		}
		hashes[d.Name] = HashCommand(d)
		b.log.Info().Str("guild", guildID).Str("command", d.Name).Msg("[Discord] command registered")
		time.Sleep(25 * time.Millisecond) // stay well under Discord's rate limit
	}
	return cache.save(guildID, hashes)
}

// commandDefinitions returns the slash definitions of every registered
// command, looking through middleware wrappers.
func commandDefinitions(reg *cmd.Registry) []*discordgo.ApplicationCommand {
	var defs []*discordgo.ApplicationCommand
	for _, c := range reg.GetAll() {
		slash, ok := cmd.Root(c).(command.SlashProvider)
		if !ok {
			continue
		}
		def := slash.SlashDefinition()
		if def == nil {
			continue
		}
		if def.Type == 0 {
			def.Type = discordgo.ChatApplicationCommand
		}
		defs = append(defs, def)
	}
	return defs
}

// ChangedCommands returns the definitions that are missing remotely or
// whose hash differs from the cached one.
func ChangedCommands(defs []*discordgo.ApplicationCommand, cached map[string]string, registered map[string]struct{}) []*discordgo.ApplicationCommand {
	var out []*discordgo.ApplicationCommand
	for _, d := range defs {
		_, remote := registered[d.Name]
		if !remote || cached[d.Name] != HashCommand(d) {
			out = append(out, d)
		}
	}
	return out
}

// --- Command hash cache ---

type commandCache struct {
	dir string
}

func (c commandCache) path(guildID string) string {
	return filepath.Join(c.dir, guildID+".json")
}

func (c commandCache) load(guildID string) map[string]string {
	out := make(map[string]string)
	if data, err := os.ReadFile(c.path(guildID)); err == nil {
		_ = json.Unmarshal(data, &out)
	}
	return out
}

func (c commandCache) save(guildID string, hashes map[string]string) error {
	path := c.path(guildID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create command cache dir: %w", err)
	}
	data, err := json.MarshalIndent(hashes, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// --- Command hashing ---

// HashCommand returns a deterministic SHA-1 of a command's stable fields.
// Used to skip re-registration when nothing has changed.
func HashCommand(c *discordgo.ApplicationCommand) string {
	stable := map[string]any{
		"name":        c.Name,
		"description": c.Description,
		"type":        c.Type,
	}
	if len(c.Options) > 0 {
		stable["options"] = normalizeOptions(c.Options)
	}
	data, _ := json.Marshal(stable)
	return fmt.Sprintf("%x", sha1.Sum(data))
}

func normalizeOptions(opts []*discordgo.ApplicationCommandOption) []map[string]any {
	out := make([]map[string]any, len(opts))
	for i, o := range opts {
		entry := map[string]any{
			"name":        o.Name,
			"description": o.Description,
			"type":        o.Type,
			"required":    o.Required,
		}
		if len(o.Choices) > 0 {
			choices := make([]map[string]any, len(o.Choices))
			for j, ch := range o.Choices {
				choices[j] = map[string]any{"name": ch.Name, "value": ch.Value}
			}
			entry["choices"] = choices
		}
		if len(o.Options) > 0 {
			entry["options"] = normalizeOptions(o.Options)
		}
		out[i] = entry
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["name"].(string) < out[j]["name"].(string)
	})
	return out
}
