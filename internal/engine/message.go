package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dolar-rate-alerts/internal/storage"
)

// renderAlert builds the Telegram-Markdown alert text. One rendering per run,
// shared by every qualifying subscriber regardless of channel.
func renderAlert(previous, current storage.RateSnapshot, change decimal.Decimal) string {
	up := change.Sign() >= 0
	arrow := "📈"
	verb := "SUBIÓ"
	if !up {
		arrow = "📉"
		verb = "BAJÓ"
	}

	gap := current.Parallel.Sub(current.Official).
		Div(current.Official).
		Mul(decimal.NewFromInt(100))
	diff := current.Parallel.Sub(previous.Parallel)

	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("%s *ALERTA: Dólar %s*\n\n", arrow, verb))
	b.WriteString(fmt.Sprintf("*Cambio detectado: %s%%*\n\n", change.Abs().StringFixed(2)))
	b.WriteString(fmt.Sprintf("💵 *Dólar Paralelo:* `%s Bs/$`\n", current.Parallel.StringFixed(2)))
	b.WriteString(fmt.Sprintf("🏦 *Dólar Oficial:* `%s Bs/$`\n\n", current.Official.StringFixed(2)))
	b.WriteString(fmt.Sprintf("*Brecha:* %s%% sobre el oficial\n", gap.StringFixed(2)))
	b.WriteString(fmt.Sprintf("*Anterior:* %s Bs/$\n", previous.Parallel.StringFixed(2)))
	b.WriteString(fmt.Sprintf("*Variación:* %s Bs\n\n", diff.StringFixed(2)))
	b.WriteString(fmt.Sprintf("⏰ %s", time.Now().UTC().Format("2006-01-02 15:04 UTC")))
	return b.String()
}
