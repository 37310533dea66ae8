package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Event kinds raised by the deposit matcher, withdrawal processor and
// reconciler. Operators act on these; nothing here is user-facing.
const (
	EventUnattributedTransfer = "unattributed_transfer"
	EventExpiredFingerprint   = "expired_fingerprint"
	EventFingerprintCollision = "fingerprint_collision"
	EventCustodyBalanceLow    = "custody_balance_low"
	EventWithdrawalRolledBack = "withdrawal_rolled_back"
	EventWithdrawalUnresolved = "withdrawal_unresolved"
)

// Event carries the context of an operational alert.
type Event struct {
	Kind      string
	At        time.Time
	Signature string
	RequestID string
	UserID    int64
	AmountSOL decimal.Decimal
	AmountUSD decimal.Decimal
	Detail    string
}

// Notifier delivers operational alerts.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NoopNotifier discards every event. Used when no channel is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Event) error { return nil }

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends the rendered event text via the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected telegram status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("kind", event.Kind).
		Str("request_id", event.RequestID).
		Msg("alert delivered (Telegram)")
	return nil
}

func renderMessage(event Event) string {
	builder := strings.Builder{}
	builder.WriteString("[sol-custody Alert]\n")
	builder.WriteString(fmt.Sprintf("Kind: %s\n", event.Kind))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", event.At.UTC().Format(time.RFC3339)))
	if event.RequestID != "" {
		builder.WriteString(fmt.Sprintf("Request: %s\n", event.RequestID))
	}
	if event.UserID != 0 {
		builder.WriteString(fmt.Sprintf("User: %d\n", event.UserID))
	}
	if event.Signature != "" {
		builder.WriteString(fmt.Sprintf("Signature: %s\n", event.Signature))
	}
	if !event.AmountSOL.IsZero() {
		builder.WriteString(fmt.Sprintf("Amount: %s SOL\n", event.AmountSOL.String()))
	}
	if !event.AmountUSD.IsZero() {
		builder.WriteString(fmt.Sprintf("Amount: %s USD\n", event.AmountUSD.String()))
	}
	if event.Detail != "" {
		builder.WriteString(event.Detail)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = NoopNotifier{}
)
