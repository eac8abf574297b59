package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"veobotdev/config"
	"veobotdev/generation"
	"veobotdev/httpmiddleware"
	"veobotdev/ledger"
	"veobotdev/logger"
	"veobotdev/modelapi/deepgramapi"
	"veobotdev/payments"
	"veobotdev/workspace/notionapi"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type TelegramConnectProps struct {
	Logger     *logger.LogMiddleware
	Store      ledger.Store
	Payments   *payments.Payments
	Generation *generation.Generation
	Deepgram   *deepgramapi.DeepgramAPI
	Workspace  *notionapi.Notion
}

// draft accumulates one generation order across messages: prompt first, then
// duration and quality picked from keyboards. The original kept this state in
// process memory too; it only has to survive until the quality click.
type draft struct {
	Prompt      string
	ImageURL    string
	AudioURL    string
	DurationSec int
}

type Telegram struct {
	logger     *logger.LogMiddleware
	bot        *tgbotapi.BotAPI
	store      ledger.Store
	payments   *payments.Payments
	generation *generation.Generation
	deepgram   *deepgramapi.DeepgramAPI
	workspace  *notionapi.Notion
	printer    *message.Printer

	mu         sync.Mutex
	drafts     map[int64]*draft
	lastVideos map[int64]string
}

func Connect(ctx context.Context, args TelegramConnectProps) *Telegram {
	tracer := otel.Tracer("telegram/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	botToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if botToken == "" {
		args.Logger.Logger(ctx).Fatal("TELEGRAM_BOT_TOKEN environment variable not set")
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		args.Logger.Logger(ctx).Fatal("Failed to create Telegram bot", zap.Error(err))
	}

	debug := os.Getenv("TELEGRAM_DEBUG") == "true"
	bot.Debug = debug

	span.SetAttributes(
		attribute.String("bot.username", bot.Self.UserName),
		attribute.Bool("bot.debug", debug),
	)

	args.Logger.Logger(ctx).Info("Telegram bot connected successfully",
		zap.String("username", bot.Self.UserName),
		zap.Bool("debug", debug),
	)

	return &Telegram{
		logger:     args.Logger,
		bot:        bot,
		store:      args.Store,
		payments:   args.Payments,
		generation: args.Generation,
		deepgram:   args.Deepgram,
		workspace:  args.Workspace,
		printer:    message.NewPrinter(language.Russian),
		drafts:     make(map[int64]*draft),
		lastVideos: make(map[int64]string),
	}
}

// WebhookHandler accepts one Telegram update per request. It always answers
// 200 with an ok body: Telegram redelivers on anything else, and a redelivery
// of a failed update only repeats the failure.
func (t *Telegram) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("telegram/WebhookHandler")
		ctx, span := tracer.Start(r.Context(), "WebhookHandler")
		defer span.End()

		respond := func() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"ok":true}`))
		}

		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			span.RecordError(err)
			t.logger.Logger(ctx).Error("Could not decode Telegram update", zap.Error(err))
			respond()
			return
		}

		t.handleUpdate(ctx, update)
		respond()
	}
}

// Listen runs the long-poll loop, used in development instead of a public
// webhook URL.
func (t *Telegram) Listen(ctx context.Context) {
	tracer := otel.Tracer("telegram/Listen")
	ctx, span := tracer.Start(ctx, "Listen")
	defer span.End()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.bot.GetUpdatesChan(u)

	t.logger.Logger(ctx).Info("Starting Telegram bot message listener")

	for {
		select {
		case <-ctx.Done():
			t.logger.Logger(ctx).Info("Shutting down Telegram bot listener")
			return
		case update := <-updates:
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	tracer := otel.Tracer("telegram/handleUpdate")
	ctx, span := tracer.Start(ctx, "handleUpdate")
	defer span.End()

	switch {
	case update.Message != nil:
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

func accountID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	tracer := otel.Tracer("telegram/handleMessage")
	ctx, span := tracer.Start(ctx, "handleMessage")
	defer span.End()

	if msg.From == nil {
		return
	}

	user := msg.From
	chatID := msg.Chat.ID
	span.SetAttributes(
		attribute.Int64("user.id", user.ID),
		attribute.String("user.username", user.UserName),
	)

	t.logger.Logger(ctx).Info("Received message",
		zap.Int64("user_id", user.ID),
		zap.String("username", user.UserName),
	)

	switch msg.Command() {
	case "start":
		t.handleStart(ctx, chatID, user)
		return
	case "balance":
		t.handleBalance(ctx, chatID, user.ID)
		return
	case "buy":
		t.handleBuy(ctx, chatID, user.ID)
		return
	case "help":
		t.sendText(ctx, chatID, helpMessage)
		return
	}

	switch {
	case len(msg.Photo) > 0:
		t.handlePhoto(ctx, chatID, user.ID, msg.Photo[len(msg.Photo)-1].FileID)
	case msg.Voice != nil:
		t.handleVoice(ctx, chatID, user.ID, msg.Voice.FileID)
	case msg.Text != "":
		t.handlePrompt(ctx, chatID, user.ID, msg.Text)
	}
}

func (t *Telegram) handleStart(ctx context.Context, chatID int64, user *tgbotapi.User) {
	tracer := otel.Tracer("telegram/handleStart")
	ctx, span := tracer.Start(ctx, "handleStart")
	defer span.End()

	account, created, err := t.store.CreateAccountIfAbsent(ctx, accountID(user.ID), ledger.Profile{
		Username:  user.UserName,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	}, config.FreeTokensOnStart)
	if err != nil {
		span.RecordError(err)
		t.logger.Logger(ctx).Error("Failed to set up account", zap.Error(err), zap.Int64("user_id", user.ID))
		t.sendText(ctx, chatID, errorMessage)
		return
	}

	if created {
		t.sendText(ctx, chatID, t.printer.Sprintf(
			"👋 Добро пожаловать, %s!\n\nВам начислено %d бесплатных токенов.\n\nОтправьте текст, фото или голосовое сообщение, чтобы создать видео. 🎬",
			user.FirstName, config.FreeTokensOnStart))
		if t.workspace != nil {
			go t.workspace.SyncAccount(context.WithoutCancel(ctx), *account)
		}
		return
	}

	t.sendText(ctx, chatID, t.printer.Sprintf("💰 Ваш баланс: %d токенов", account.Balance))
}

func (t *Telegram) handleBalance(ctx context.Context, chatID, userID int64) {
	account, err := t.store.GetAccount(ctx, accountID(userID))
	if errors.Is(err, ledger.ErrAccountNotFound) {
		t.sendText(ctx, chatID, notRegisteredMessage)
		return
	}
	if err != nil {
		t.logger.Logger(ctx).Error("Failed to load balance", zap.Error(err), zap.Int64("user_id", userID))
		t.sendText(ctx, chatID, errorMessage)
		return
	}
	t.sendText(ctx, chatID, t.printer.Sprintf("💰 Ваш баланс: %d токенов", account.Balance))
}

func (t *Telegram) handleBuy(ctx context.Context, chatID, userID int64) {
	if _, err := t.store.GetAccount(ctx, accountID(userID)); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			t.sendText(ctx, chatID, notRegisteredMessage)
		} else {
			t.sendText(ctx, chatID, errorMessage)
		}
		return
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(config.PaymentPackages))
	for _, pkg := range config.PaymentPackages {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				t.printer.Sprintf("🪙 %s — %d ₽", pkg.DisplayName, pkg.Rubles),
				fmt.Sprintf("buy_%d", pkg.Rubles)),
		))
	}

	reply := tgbotapi.NewMessage(chatID, "💳 Выберите пакет токенов:")
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := t.bot.Send(reply); err != nil {
		t.logger.Logger(ctx).Error("Failed to send package keyboard", zap.Error(err))
	}
}

func (t *Telegram) handlePrompt(ctx context.Context, chatID, userID int64, prompt string) {
	if _, err := t.store.GetAccount(ctx, accountID(userID)); err != nil {
		t.sendText(ctx, chatID, notRegisteredMessage)
		return
	}

	t.mu.Lock()
	d := t.drafts[chatID]
	if d == nil {
		d = &draft{}
		t.drafts[chatID] = d
	}
	d.Prompt = prompt
	t.mu.Unlock()

	t.sendDurationKeyboard(ctx, chatID)
}

func (t *Telegram) handlePhoto(ctx context.Context, chatID, userID int64, fileID string) {
	if _, err := t.store.GetAccount(ctx, accountID(userID)); err != nil {
		t.sendText(ctx, chatID, notRegisteredMessage)
		return
	}

	fileURL, err := t.fileURL(fileID)
	if err != nil {
		t.logger.Logger(ctx).Error("Failed to fetch photo", zap.Error(err))
		t.sendText(ctx, chatID, errorMessage)
		return
	}

	t.mu.Lock()
	d := t.drafts[chatID]
	if d == nil {
		d = &draft{}
		t.drafts[chatID] = d
	}
	d.ImageURL = fileURL
	t.mu.Unlock()

	t.sendText(ctx, chatID, "📝 Напишите промпт для видео на основе этого изображения:")
}

func (t *Telegram) handleVoice(ctx context.Context, chatID, userID int64, fileID string) {
	tracer := otel.Tracer("telegram/handleVoice")
	ctx, span := tracer.Start(ctx, "handleVoice")
	defer span.End()

	if _, err := t.store.GetAccount(ctx, accountID(userID)); err != nil {
		t.sendText(ctx, chatID, notRegisteredMessage)
		return
	}

	fileURL, err := t.fileURL(fileID)
	if err != nil {
		span.RecordError(err)
		t.logger.Logger(ctx).Error("Failed to fetch voice note", zap.Error(err))
		t.sendText(ctx, chatID, errorMessage)
		return
	}

	audioData, err := httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
		Ctx:    ctx,
		Method: "GET",
		Url:    fileURL,
	})
	if err != nil {
		span.RecordError(err)
		t.logger.Logger(ctx).Error("Failed to download voice note", zap.Error(err))
		t.sendText(ctx, chatID, errorMessage)
		return
	}

	prompt, err := t.deepgram.Transcribe(ctx, audioData)
	if err != nil {
		span.RecordError(err)
		t.sendText(ctx, chatID, "❌ Не удалось распознать голосовое сообщение. Попробуйте отправить текст.")
		return
	}

	t.mu.Lock()
	d := t.drafts[chatID]
	if d == nil {
		d = &draft{}
		t.drafts[chatID] = d
	}
	d.Prompt = prompt
	d.AudioURL = fileURL
	t.mu.Unlock()

	t.sendText(ctx, chatID, fmt.Sprintf("🎤 Распознано: «%s»", prompt))
	t.sendDurationKeyboard(ctx, chatID)
}

func (t *Telegram) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	tracer := otel.Tracer("telegram/handleCallbackQuery")
	ctx, span := tracer.Start(ctx, "handleCallbackQuery")
	defer span.End()

	if query.From == nil || query.Message == nil {
		return
	}

	userID := query.From.ID
	chatID := query.Message.Chat.ID
	data := query.Data

	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("callback.data", data),
	)

	switch {
	case strings.HasPrefix(data, "buy_"):
		t.handleBuyCallback(ctx, query, chatID, userID, data)
	case strings.HasPrefix(data, "duration_"):
		t.handleDurationCallback(ctx, query, chatID, data)
	case strings.HasPrefix(data, "quality_"):
		t.handleQualityCallback(ctx, query, chatID, userID, data)
	case data == "remove_watermark":
		t.handleRemoveWatermark(ctx, query, chatID, userID)
	case data == "keep_watermark":
		t.answerCallback(ctx, query.ID, "Видео сохранено с водяным знаком")
	default:
		t.answerCallback(ctx, query.ID, "")
	}
}

func (t *Telegram) handleBuyCallback(ctx context.Context, query *tgbotapi.CallbackQuery, chatID, userID int64, data string) {
	rubles, err := strconv.ParseInt(strings.TrimPrefix(data, "buy_"), 10, 64)
	if err != nil {
		t.answerCallback(ctx, query.ID, "Пакет не найден")
		return
	}
	pkg, ok := config.FindPaymentPackage(rubles)
	if !ok {
		t.answerCallback(ctx, query.ID, "Пакет не найден")
		return
	}

	confirmationURL, err := t.payments.CreateTokenPurchase(ctx, accountID(userID), pkg)
	if err != nil {
		t.logger.Logger(ctx).Error("Payment creation failed", zap.Error(err), zap.Int64("user_id", userID))
		t.answerCallback(ctx, query.ID, "Ошибка при создании платежа")
		return
	}

	t.sendText(ctx, chatID, t.printer.Sprintf(
		"💳 Ссылка на оплату %d токенов:\n%s\n\nТокены будут начислены автоматически после оплаты. ✅",
		pkg.Tokens, confirmationURL))
	t.answerCallback(ctx, query.ID, "Ссылка на оплату отправлена")
}

func (t *Telegram) handleDurationCallback(ctx context.Context, query *tgbotapi.CallbackQuery, chatID int64, data string) {
	durationSec, err := strconv.Atoi(strings.TrimPrefix(data, "duration_"))
	if err != nil {
		t.answerCallback(ctx, query.ID, "")
		return
	}

	t.mu.Lock()
	d := t.drafts[chatID]
	if d != nil {
		d.DurationSec = durationSec
	}
	t.mu.Unlock()

	if d == nil {
		t.answerCallback(ctx, query.ID, "Сначала отправьте промпт")
		return
	}

	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🎥 Низкое", "quality_low"),
			tgbotapi.NewInlineKeyboardButtonData("🎥 Стандарт", "quality_standard"),
			tgbotapi.NewInlineKeyboardButtonData("🎥 Высокое", "quality_high"),
		),
	}
	reply := tgbotapi.NewMessage(chatID, "🎥 Выберите качество:")
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	t.bot.Send(reply)

	t.answerCallback(ctx, query.ID, fmt.Sprintf("Выбрана длительность: %d сек", durationSec))
}

func (t *Telegram) handleQualityCallback(ctx context.Context, query *tgbotapi.CallbackQuery, chatID, userID int64, data string) {
	quality := strings.TrimPrefix(data, "quality_")

	t.mu.Lock()
	d := t.drafts[chatID]
	delete(t.drafts, chatID)
	t.mu.Unlock()

	if d == nil || d.Prompt == "" {
		t.answerCallback(ctx, query.ID, "Сначала отправьте промпт")
		return
	}
	if d.DurationSec == 0 {
		d.DurationSec = 10
	}

	t.answerCallback(ctx, query.ID, fmt.Sprintf("Выбрано качество: %s", quality))
	t.sendText(ctx, chatID, "⏳ Генерация видео началась. Это может занять несколько минут...")

	// Generation polls the provider for minutes; the webhook response must
	// not wait for it.
	go t.runGeneration(context.WithoutCancel(ctx), chatID, userID, d, quality)
}

func (t *Telegram) runGeneration(ctx context.Context, chatID, userID int64, d *draft, quality string) {
	tracer := otel.Tracer("telegram/runGeneration")
	ctx, span := tracer.Start(ctx, "runGeneration")
	defer span.End()

	cost := config.VideoCost(d.DurationSec)

	request, err := t.generation.GenerateVideo(ctx, generation.GenerateVideoProps{
		AccountID:   accountID(userID),
		Prompt:      d.Prompt,
		DurationSec: d.DurationSec,
		Quality:     quality,
		ImageURL:    d.ImageURL,
		AudioURL:    d.AudioURL,
	})
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		t.sendInsufficientBalance(ctx, chatID, userID, cost)
		return
	}
	if err != nil {
		span.RecordError(err)
		t.sendText(ctx, chatID, "❌ Не удалось создать видео. Токены возвращены на баланс.")
		return
	}

	t.mu.Lock()
	t.lastVideos[chatID] = request.OutputURL
	t.mu.Unlock()

	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				t.printer.Sprintf("🎨 Убрать водяной знак (%d токенов)", config.WatermarkRemovalCost),
				"remove_watermark"),
			tgbotapi.NewInlineKeyboardButtonData("Оставить", "keep_watermark"),
		),
	}
	reply := tgbotapi.NewMessage(chatID, fmt.Sprintf("✅ Ваше видео готово!\n⬇️ %s", request.OutputURL))
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := t.bot.Send(reply); err != nil {
		t.logger.Logger(ctx).Error("Failed to send video message", zap.Error(err))
	}

	if t.workspace != nil {
		if account, err := t.store.GetAccount(ctx, accountID(userID)); err == nil {
			go t.workspace.SyncAccount(context.WithoutCancel(ctx), *account)
		}
	}
}

func (t *Telegram) handleRemoveWatermark(ctx context.Context, query *tgbotapi.CallbackQuery, chatID, userID int64) {
	t.mu.Lock()
	videoURL := t.lastVideos[chatID]
	t.mu.Unlock()

	if videoURL == "" {
		t.answerCallback(ctx, query.ID, "Видео не найдено")
		return
	}

	t.answerCallback(ctx, query.ID, "Удаление водяного знака...")

	go func() {
		ctx := context.WithoutCancel(ctx)
		request, err := t.generation.RemoveWatermark(ctx, accountID(userID), videoURL)
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			t.sendInsufficientBalance(ctx, chatID, userID, config.WatermarkRemovalCost)
			return
		}
		if err != nil {
			t.sendText(ctx, chatID, "❌ Не удалось убрать водяной знак. Токены возвращены на баланс.")
			return
		}
		t.sendText(ctx, chatID, fmt.Sprintf("✅ Готово! Видео без водяного знака:\n⬇️ %s", request.OutputURL))
	}()
}

// NotifyPaymentCredited implements payments.Notifier.
func (t *Telegram) NotifyPaymentCredited(ctx context.Context, account string, tokens int64, balance int64) {
	chatID, err := strconv.ParseInt(account, 10, 64)
	if err != nil {
		t.logger.Logger(ctx).Error("Could not parse account id for payment notice", zap.String("account_id", account))
		return
	}
	t.sendText(ctx, chatID, t.printer.Sprintf(
		"✅ Платеж успешно обработан! Вам добавлено %d токенов.\n💰 Баланс: %d токенов", tokens, balance))
}

func (t *Telegram) sendDurationKeyboard(ctx context.Context, chatID int64) {
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				t.printer.Sprintf("10 сек (%d токенов)", config.Video10SecCost), "duration_10"),
			tgbotapi.NewInlineKeyboardButtonData(
				t.printer.Sprintf("15 сек (%d токенов)", config.Video15SecCost), "duration_15"),
		),
	}
	reply := tgbotapi.NewMessage(chatID, "🎬 Выберите длительность видео:")
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := t.bot.Send(reply); err != nil {
		t.logger.Logger(ctx).Error("Failed to send duration keyboard", zap.Error(err))
	}
}

func (t *Telegram) sendInsufficientBalance(ctx context.Context, chatID, userID int64, cost int64) {
	balance := int64(0)
	if account, err := t.store.GetAccount(ctx, accountID(userID)); err == nil {
		balance = account.Balance
	}
	t.sendText(ctx, chatID, t.printer.Sprintf(
		"❌ Недостаточно токенов. Нужно %d, у вас %d.\n\nПополните баланс: /buy", cost, balance))
}

func (t *Telegram) sendText(ctx context.Context, chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Logger(ctx).Error("Failed to send message", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}

func (t *Telegram) answerCallback(ctx context.Context, callbackID, text string) {
	callback := tgbotapi.NewCallback(callbackID, text)
	if _, err := t.bot.Request(callback); err != nil {
		t.logger.Logger(ctx).Error("Failed to answer callback", zap.Error(err))
	}
}

func (t *Telegram) fileURL(fileID string) (string, error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", err
	}
	return file.Link(t.bot.Token), nil
}

const helpMessage = `🤖 Что умеет этот бот:

🎬 Отправьте текст, фото или голосовое сообщение — бот создаст видео.
💰 /balance — ваш баланс токенов
💳 /buy — пополнить баланс
⚙️ /help — это сообщение

Стоимость: видео 10 сек — 20 токенов, 15 сек — 25 токенов, удаление водяного знака — 10 токенов.`

const notRegisteredMessage = "Пользователь не найден. Используйте /start"

const errorMessage = "❌ Произошла ошибка. Попробуйте позже."
