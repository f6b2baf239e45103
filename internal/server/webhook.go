package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type telegramUpdate struct {
	Message *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"from"`
	} `json:"message"`
}

// telegramWebhook answers bot commands so users can discover their chat id.
// Always acknowledges with 200: Telegram retries non-2xx responses.
func (s *Server) telegramWebhook(c *gin.Context) {
	var update telegramUpdate
	if err := c.ShouldBindJSON(&update); err != nil || update.Message == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	username := update.Message.From.Username
	if username == "" {
		username = update.Message.From.FirstName
	}

	if s.telegram == nil {
		s.logger.Warn().Str("chat_id", chatID).Msg("webhook update received but telegram is not configured")
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	var reply string
	switch update.Message.Text {
	case "/start":
		reply = fmt.Sprintf(
			"🎉 <b>¡Bienvenido a Dolarwatcher!</b>\n\n"+
				"✅ Tu Chat ID es: <code>%s</code>\n\n"+
				"Usa ese Chat ID para suscribirte a las alertas de cambio del dólar.\n\n"+
				"Comandos: /start /info /ayuda", chatID)
	case "/info":
		reply = fmt.Sprintf(
			"ℹ️ <b>Dolarwatcher</b>\n\n"+
				"Alertas de cambio del dólar paralelo y oficial.\n"+
				"🆔 Tu Chat ID: <code>%s</code>\n👤 Usuario: %s", chatID, username)
	case "/ayuda":
		reply = "❓ <b>Ayuda</b>\n\n" +
			"/start - Obtener tu Chat ID\n" +
			"/info - Información del bot\n" +
			"/ayuda - Ver esta ayuda\n\n" +
			"Suscríbete con tu Chat ID y recibirás alertas automáticas."
	default:
		reply = "Para ver los comandos disponibles, envía /ayuda"
	}

	delivery := s.telegram.SendHTML(c.Request.Context(), chatID, reply)
	if !delivery.Success {
		s.logger.Warn().Str("chat_id", chatID).Str("reason", delivery.Err).Msg("webhook reply failed")
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
