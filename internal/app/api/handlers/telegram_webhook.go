package handlers

import (
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ambetz/vipgate/internal/app/service/telegram"
	"github.com/ambetz/vipgate/pkg/logctx"
	"github.com/ambetz/vipgate/pkg/response"
)

// TelegramWebhookHandler feeds platform updates to the bot. The platform
// redelivers on non-2xx, and a malformed update will never get better, so
// this route always acknowledges.
type TelegramWebhookHandler struct {
	bot *telegram.Service
	log *zap.SugaredLogger
}

func NewTelegramWebhookHandler(bot *telegram.Service, log *zap.SugaredLogger) *TelegramWebhookHandler {
	return &TelegramWebhookHandler{bot: bot, log: log}
}

func (h *TelegramWebhookHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhook/telegram", h.Handle)
}

func (h *TelegramWebhookHandler) Handle(c *gin.Context) {
	log := logctx.FromGin(c, h.log)

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		log.Warnw("malformed telegram update", "error", err)
		c.JSON(http.StatusOK, response.OKT(gin.H{"status": "ignored"}))
		return
	}

	h.bot.ProcessUpdate(c.Request.Context(), update)
	c.JSON(http.StatusOK, response.OKT(gin.H{"status": "ok"}))
}
