// Package discordapi renders tracker state into the live Discord message and
// wraps the session calls the tracker depends on.
package discordapi

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/scrimtrack/scrimtrack/tracker"
)

const embedColor = 0x2ECC71

// Client implements tracker.OutputClient on a discordgo session.
type Client struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// NewSession opens a discordgo session for the given bot token. The session
// only issues REST calls; no gateway intents are needed.
func NewSession(botToken string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return session, nil
}

func NewClient(session *discordgo.Session) *Client {
	return &Client{
		session: session,
		logger:  slog.Default().With(slog.String("component", "discordapi")),
	}
}

func (c *Client) PostSeriesMessage(ctx context.Context, channelID string, st *tracker.TrackerState) (string, error) {
	msg, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{renderEmbed(st)},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("post series message: %w", err)
	}
	return msg.ID, nil
}

func (c *Client) EditSeriesMessage(ctx context.Context, channelID, messageID string, st *tracker.TrackerState) error {
	edit := discordgo.NewMessageEdit(channelID, messageID)
	edit.Embeds = &[]*discordgo.MessageEmbed{renderEmbed(st)}
	if _, err := c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit series message: %w", err)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := c.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (c *Client) ChannelName(ctx context.Context, channelID string) (string, error) {
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetch channel: %w", err)
	}
	return ch.Name, nil
}

func (c *Client) RenameChannel(ctx context.Context, channelID, name string) error {
	if _, err := c.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("rename channel: %w", err)
	}
	return nil
}

// ResolveUser fetches a guild member's display identity. Nickname falls back
// to empty when the member has none set.
func (c *Client) ResolveUser(ctx context.Context, guildID, userID string) (*tracker.PlayerIdentity, error) {
	member, err := c.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch guild member: %w", err)
	}
	if member.User == nil {
		return nil, fmt.Errorf("fetch guild member: no user payload for %s", userID)
	}
	return &tracker.PlayerIdentity{
		Username:   member.User.Username,
		GlobalName: member.User.GlobalName,
		Nickname:   member.Nick,
	}, nil
}

// renderEmbed builds the live series message. Matches are listed oldest
// first; substitutions get their own field when any exist.
func renderEmbed(st *tracker.TrackerState) *discordgo.MessageEmbed {
	title := fmt.Sprintf("Queue #%d", st.QueueNumber)
	if len(st.Teams) == 2 {
		title = fmt.Sprintf("Queue #%d — %s vs %s", st.QueueNumber, st.Teams[0].Name, st.Teams[1].Name)
	}

	embed := &discordgo.MessageEmbed{
		Title: title,
		Color: embedColor,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Checks: %d", st.CheckCount),
		},
		Timestamp: st.LastUpdateTime.UTC().Format(time.RFC3339),
	}

	if score := st.SeriesScore(); score != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Series Score", Value: score, Inline: true,
		})
	}

	if len(st.DiscoveredMatches) > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Matches", Value: renderMatches(st),
		})
	} else {
		embed.Description = "Waiting for the first completed match..."
	}

	if len(st.Substitutions) > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Substitutions", Value: renderSubstitutions(st),
		})
	}

	if st.IsPaused {
		embed.Description = "Tracking paused."
	}
	return embed
}

func renderMatches(st *tracker.TrackerState) string {
	type entry struct {
		id string
		m  tracker.MatchSummary
	}
	entries := make([]entry, 0, len(st.DiscoveredMatches))
	for id, m := range st.DiscoveredMatches {
		entries = append(entries, entry{id, m})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].m.EndTime.Before(entries[j].m.EndTime) })

	var b strings.Builder
	for i, e := range entries {
		winner := ""
		if e.m.WinnerTeamIndex >= 0 && e.m.WinnerTeamIndex < len(st.Teams) {
			winner = " — " + st.Teams[e.m.WinnerTeamIndex].Name
		}
		fmt.Fprintf(&b, "%d. **%s** (%s) %s%s\n", i+1, e.m.Map, e.m.Mode, e.m.Score, winner)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSubstitutions(st *tracker.TrackerState) string {
	var b strings.Builder
	for _, sub := range st.Substitutions {
		out := playerName(st, sub.PlayerOutID)
		in := playerName(st, sub.PlayerInID)
		fmt.Fprintf(&b, "%s → %s (%s)\n", out, in, sub.TeamName)
	}
	return strings.TrimRight(b.String(), "\n")
}

func playerName(st *tracker.TrackerState, id string) string {
	if p, ok := st.Players[id]; ok {
		if p.Nickname != "" {
			return p.Nickname
		}
		if p.GlobalName != "" {
			return p.GlobalName
		}
		return p.Username
	}
	return "<@" + id + ">"
}
