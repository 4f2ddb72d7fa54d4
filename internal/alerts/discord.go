package alerts

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	mu                sync.Mutex
	categoryCooldowns = make(map[string]time.Time)

	session   *discordgo.Session
	webhookID string
	token     string
	pingUser  string
	version   string
)

const (
	colorOrange = 0xFFA500
	colorRed    = 0xFF4444
	colorGreen  = 0x2ECC71
)

// Configure enables alerts for a Discord webhook URL. An empty URL leaves
// alerts disabled.
func Configure(webhookURL, pingUserID, serverVersion string) error {
	mu.Lock()
	defer mu.Unlock()

	session, webhookID, token = nil, "", ""
	pingUser, version = pingUserID, serverVersion
	if webhookURL == "" {
		return nil
	}

	id, tok, err := parseWebhookURL(webhookURL)
	if err != nil {
		return err
	}
	s, err := discordgo.New("")
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session, webhookID, token = s, id, tok
	return nil
}

// parseWebhookURL splits https://discord.com/api/webhooks/<id>/<token>.
func parseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", errors.New("webhook url must look like https://discord.com/api/webhooks/<id>/<token>")
}

func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return session != nil
}

func send(category string, cooldown time.Duration, ping bool, color int, title, description string, fields map[string]string) {
	mu.Lock()
	if session == nil {
		mu.Unlock()
		return
	}
	now := time.Now()
	if cooldown > 0 {
		if last, ok := categoryCooldowns[category]; ok && now.Sub(last) < cooldown {
			mu.Unlock()
			return
		}
	}
	categoryCooldowns[category] = now
	s, id, tok := session, webhookID, token
	content := ""
	if ping && pingUser != "" {
		content = fmt.Sprintf("<@%s>", pingUser)
	}
	footer := "stitch " + version
	mu.Unlock()

	params := &discordgo.WebhookParams{
		Content: content,
		Embeds: []*discordgo.MessageEmbed{{
			Title:       title,
			Description: truncate(description, 2048),
			Color:       color,
			Fields:      embedFields(fields),
			Timestamp:   now.UTC().Format(time.RFC3339),
			Footer:      &discordgo.MessageEmbedFooter{Text: footer},
		}},
	}

	go func() {
		if _, err := s.WebhookExecute(id, tok, false, params); err != nil {
			log.Printf("[Discord] send failed: %v", err)
		}
	}()
}

func embedFields(fields map[string]string) []*discordgo.MessageEmbedField {
	names := make([]string, 0, len(fields))
	for k, v := range fields {
		if v != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	out := make([]*discordgo.MessageEmbedField, 0, len(names))
	for _, k := range names {
		out = append(out, &discordgo.MessageEmbedField{Name: k, Value: truncate(fields[k], 1024), Inline: true})
	}
	return out
}

func ServerStarted(port string) {
	send("server-start", 0, false, colorGreen, "Server Started", fmt.Sprintf("stitch %s listening on :%s", version, port), nil)
}

func ServerStopping() {
	send("server-stop", 0, false, colorOrange, "Server Stopping", "stitch is shutting down", nil)
}

func ConversionFailed(jobID, fileName, format, errMsg string) {
	send("conversion", 5*time.Second, true, colorRed, "Conversion Failed", errMsg, map[string]string{
		"Job":    jobID,
		"File":   truncate(fileName, 200),
		"Format": format,
	})
}

func LowDiskSpace(availGB float64) {
	send("disk", 5*time.Minute, true, colorOrange, "Low Disk Space", fmt.Sprintf("%.1fGB free, new jobs are refused", availGB), nil)
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}
