package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"github.com/pauljones0/ticket-monitor/internal/models"
	"github.com/pauljones0/ticket-monitor/internal/util"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	maxNameRunes   = 50
	// Telegram rejects messages longer than this.
	maxMessageRunes = 4096
	// Escaping can grow plain text up to five times.
	maxPlainRunes = 800
)

// Options configures a Telegram client.
type Options struct {
	Token      string
	ChatID     string
	APIBase    string
	BookingURL string
}

// Summary is the periodic status digest.
type Summary struct {
	Status      models.Status
	Running     bool
	TargetDates []string
	VisitTag    string
	Interval    time.Duration
}

// Client sends HTML messages to one Telegram chat.
type Client struct {
	token       string
	chatID      string
	apiBase     string
	bookingURL  string
	client      *http.Client
	rateLimiter *rate.Limiter
	attempts    uint
	backoff     time.Duration
	maxBackoff  time.Duration
}

// New builds a client. It is usable even when unconfigured; sends then
// report false.
func New(opts Options) *Client {
	apiBase := strings.TrimRight(opts.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Client{
		token:       opts.Token,
		chatID:      opts.ChatID,
		apiBase:     apiBase,
		bookingURL:  opts.BookingURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		attempts:    3,
		backoff:     time.Second,
		maxBackoff:  10 * time.Second,
	}
}

// IsConfigured reports whether both the token and the chat are set.
func (c *Client) IsConfigured() bool {
	return c.token != "" && c.chatID != ""
}

// SendAvailabilityBatch announces newly available products, grouped by
// date. A large batch goes out as several messages and only counts as sent
// when every one of them was delivered.
func (c *Client) SendAvailabilityBatch(ctx context.Context, batch models.Availability) bool {
	if len(batch) == 0 {
		return false
	}
	parts := FormatAvailability(batch, c.bookingURL)
	if len(parts) > 1 {
		slog.Info("Splitting availability alert", "messages", len(parts), "products", batch.Count())
	}
	return c.send(ctx, parts...)
}

// SendStatusMessage sends an informational notice.
func (c *Client) SendStatusMessage(ctx context.Context, text string) bool {
	return c.send(ctx, "ℹ️ "+html.EscapeString(util.Truncate(text, maxPlainRunes)))
}

// SendErrorMessage sends an error notice.
func (c *Client) SendErrorMessage(ctx context.Context, text string) bool {
	return c.send(ctx, "❌ <b>Error:</b> "+html.EscapeString(util.Truncate(text, maxPlainRunes)))
}

func (c *Client) SendPeriodicSummary(ctx context.Context, s Summary) bool {
	return c.send(ctx, splitLines(FormatSummary(s), maxMessageRunes)...)
}

// FormatAvailability renders the alert as one or more messages of at most
// maxMessageRunes each. Every message carries the header and the booking
// link. Dates are kept whole unless a single date alone is too long, in
// which case its date line is repeated on each piece.
func FormatAvailability(batch models.Availability, bookingURL string) []string {
	header := "🎫 <b>¡DISPONIBILIDAD DETECTADA!</b>\n🏛️ Museos Vaticanos\n\n"
	footer := ""
	if bookingURL != "" {
		footer = fmt.Sprintf("🔗 <a href=\"%s\">Reservar ahora</a>", html.EscapeString(bookingURL))
	}
	budget := maxMessageRunes - runeLen(header) - runeLen(footer)

	var blocks []string
	for _, date := range batch.Dates() {
		dateLine := fmt.Sprintf("📅 <b>%s</b>\n", html.EscapeString(date))
		var b strings.Builder
		b.WriteString(dateLine)
		n := runeLen(dateLine)
		for _, p := range batch[date] {
			name := util.Truncate(p.Name, maxNameRunes)
			if name == "" {
				name = "N/A"
			}
			line := fmt.Sprintf("  %s %s\n", p.Availability.Glyph(), html.EscapeString(name))
			// One rune is reserved for the blank line closing the block.
			if n > runeLen(dateLine) && n+runeLen(line)+1 > budget {
				blocks = append(blocks, b.String()+"\n")
				b.Reset()
				b.WriteString(dateLine)
				n = runeLen(dateLine)
			}
			b.WriteString(line)
			n += runeLen(line)
		}
		blocks = append(blocks, b.String()+"\n")
	}

	var (
		parts []string
		cur   strings.Builder
		n     int
	)
	flush := func() {
		parts = append(parts, header+cur.String()+footer)
		cur.Reset()
		n = 0
	}
	for _, block := range blocks {
		size := runeLen(block)
		if n > 0 && n+size > budget {
			flush()
		}
		cur.WriteString(block)
		n += size
	}
	flush()
	return parts
}

// FormatSummary renders the periodic digest.
func FormatSummary(s Summary) string {
	var b strings.Builder
	b.WriteString("📊 <b>Resumen del monitor</b>\n\n")

	state := "detenido"
	if s.Running {
		state = "activo"
	}
	fmt.Fprintf(&b, "Estado: %s\n", state)
	if s.VisitTag != "" {
		fmt.Fprintf(&b, "Visita: %s\n", html.EscapeString(s.VisitTag))
	}
	if s.Interval > 0 {
		fmt.Fprintf(&b, "Intervalo: %s\n", s.Interval)
	}
	fmt.Fprintf(&b, "Verificaciones: %d\n", s.Status.CheckCount)
	fmt.Fprintf(&b, "Alertas enviadas: %d\n", s.Status.AlertsSent)
	fmt.Fprintf(&b, "Productos ya alertados: %d\n", s.Status.AlertedCount)
	if !s.Status.LastCheck.IsZero() {
		fmt.Fprintf(&b, "Última verificación: %s\n", s.Status.LastCheck.Format("02/01/2006 15:04"))
	}

	if len(s.TargetDates) > 0 {
		fmt.Fprintf(&b, "Fechas: %s\n", html.EscapeString(strings.Join(s.TargetDates, ", ")))
	} else {
		b.WriteString("Fechas: ninguna configurada\n")
	}

	if n := s.Status.LastResults.Count(); n > 0 {
		fmt.Fprintf(&b, "\nDisponible ahora: %d productos en %d fechas", n, len(s.Status.LastResults))
	} else {
		b.WriteString("\nSin disponibilidad en la última verificación")
	}
	return b.String()
}

type sendMessagePayload struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// send delivers each message in order and reports whether all of them went
// out. It stops at the first failure. Failures are logged, never returned.
func (c *Client) send(ctx context.Context, messages ...string) bool {
	if !c.IsConfigured() {
		slog.Warn("Telegram not configured, skipping message")
		return false
	}

	for i, text := range messages {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			slog.Warn("Telegram rate limiter wait failed", "error", err)
			return false
		}

		err := retry.Do(
			func() error {
				return c.post(ctx, text)
			},
			retry.Attempts(c.attempts),
			retry.Delay(c.backoff),
			retry.MaxDelay(c.maxBackoff),
			retry.MaxJitter(c.backoff),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, err error) {
				slog.Warn("Retrying Telegram message", "attempt", n+1, "error", err)
			}),
		)
		if err != nil {
			slog.Error("Failed to send Telegram message", "part", i+1, "of", len(messages), "error", err)
			return false
		}
	}
	return true
}

// splitLines cuts HTML text at line boundaries into pieces of at most limit
// runes. Tags and entities never span lines in these messages, so a cut
// never breaks markup.
func splitLines(text string, limit int) []string {
	if runeLen(text) <= limit {
		return []string{text}
	}
	var (
		pieces []string
		cur    strings.Builder
		n      int
	)
	for _, line := range strings.SplitAfter(text, "\n") {
		size := runeLen(line)
		if n > 0 && n+size > limit {
			pieces = append(pieces, cur.String())
			cur.Reset()
			n = 0
		}
		cur.WriteString(line)
		n += size
	}
	if n > 0 {
		pieces = append(pieces, cur.String())
	}
	return pieces
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func (c *Client) post(ctx context.Context, text string) error {
	payloadBytes, err := json.Marshal(sendMessagePayload{
		ChatID:                c.chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return retry.Unrecoverable(err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payloadBytes))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// The error text contains the URL and with it the bot token.
		return fmt.Errorf("telegram request failed: %w", redactToken(err, c.token))
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var r apiResponse
	_ = json.Unmarshal(bodyBytes, &r)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && r.OK {
		return nil
	}
	apiErr := fmt.Errorf("telegram status: %s, description: %s", resp.Status, r.Description)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return apiErr
	}
	return retry.Unrecoverable(apiErr)
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redactToken(err error, token string) error {
	if token == "" {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<redacted>"), err: err}
}
