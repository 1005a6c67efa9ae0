package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-channel-analytics/internal/adapters/mtproto"
	"tg-channel-analytics/internal/adapters/repo"
	"tg-channel-analytics/internal/domain"
	"tg-channel-analytics/internal/infra/config"
	"tg-channel-analytics/internal/infra/db"
	"tg-channel-analytics/internal/infra/guard"
	loginfra "tg-channel-analytics/internal/infra/log"
	"tg-channel-analytics/internal/infra/metrics"
	analyticsusecase "tg-channel-analytics/internal/usecase/analytics"
	scrapeusecase "tg-channel-analytics/internal/usecase/scrape"
	"tg-channel-analytics/migrations"
)

const dateLayout = "2006-01-02"

func main() {
	cfg := config.Load()
	logger := loginfra.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runMigrations(cfg.PGDSN, logger)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	loc, err := time.LoadLocation(cfg.Scraper.TZ)
	if err != nil {
		logger.Fatal().Err(err).Str("tz", cfg.Scraper.TZ).Msg("api: неизвестный часовой пояс")
	}

	repoAdapter := repo.NewPostgres(pool)

	var runGuard domain.RunGuard
	if cfg.RedisAddr != "" {
		runGuard = guard.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Scraper.RunTTL)
	} else {
		runGuard = guard.NewMemory()
	}

	sessionStorage := mtproto.NewSessionDB(repoAdapter, cfg.Telegram.SessionName)
	gateway := mtproto.NewGateway(cfg.Telegram.APIID, cfg.Telegram.APIHash, sessionStorage,
		logger.With().Str("component", "mtproto").Logger())
	if err := gateway.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к Telegram")
	}

	registry := scrapeusecase.NewRegistry()
	scrapeService := scrapeusecase.NewService(
		gateway, gateway,
		repoAdapter, repoAdapter, repoAdapter, repoAdapter,
		runGuard, registry, loc,
		logger.With().Str("component", "scrape").Logger(),
		cfg.Scraper.BatchSize, cfg.Scraper.StatusEvery,
	)
	analyticsService := analyticsusecase.NewService(repoAdapter, repoAdapter, repoAdapter,
		logger.With().Str("component", "analytics").Logger())

	r := chi.NewRouter()

	r.Post("/api/scrape_channel", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req scrapeChannelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Channel == "" {
			writeError(w, http.StatusBadRequest, "channel is required")
			return
		}
		startDate, err := time.ParseInLocation(dateLayout, req.StartDate, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
		var endDate time.Time
		if req.EndDate != "" {
			endDate, err = time.ParseInLocation(dateLayout, req.EndDate, loc)
			if err != nil {
				writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
				return
			}
			if endDate.Before(startDate) {
				writeError(w, http.StatusBadRequest, "end_date must not precede start_date")
				return
			}
		}
		runID, err := scrapeService.StartRun(r.Context(), req.Channel, startDate, endDate)
		if err != nil {
			if errors.Is(err, domain.ErrRunInProgress) {
				writeError(w, http.StatusConflict, "scrape already in progress")
				return
			}
			logger.Error().Err(err).Str("channel", req.Channel).Msg("api: запуск сканирования")
			writeError(w, http.StatusInternalServerError, "failed to start scrape")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID, "status": domain.ScrapeStatePending})
	})

	r.Get("/api/scrape_status", func(w http.ResponseWriter, r *http.Request) {
		identifier := r.URL.Query().Get("identifier")
		if identifier != "" {
			status, ok := scrapeService.Status(identifier)
			if !ok {
				writeError(w, http.StatusNotFound, "no scrape known for identifier")
				return
			}
			writeJSON(w, statusToJSON(status))
			return
		}
		statuses := scrapeService.Statuses()
		out := make([]scrapeStatusResponse, 0, len(statuses))
		for _, status := range statuses {
			out = append(out, statusToJSON(status))
		}
		writeJSON(w, out)
	})

	r.Post("/api/scrape_cancel", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req scrapeCancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Channel == "" {
			writeError(w, http.StatusBadRequest, "channel is required")
			return
		}
		if !scrapeService.CancelRun(req.Channel) {
			writeError(w, http.StatusNotFound, "no active scrape for channel")
			return
		}
		writeJSON(w, map[string]string{"status": "cancelling"})
	})

	r.Get("/api/channels", func(w http.ResponseWriter, r *http.Request) {
		channels, err := analyticsService.ListChannels(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("api: список каналов")
			writeError(w, http.StatusInternalServerError, "failed to list channels")
			return
		}
		out := make([]channelResponse, 0, len(channels))
		for _, ch := range channels {
			out = append(out, channelToJSON(ch))
		}
		writeJSON(w, out)
	})

	r.Get("/api/channels/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		channel, err := analyticsService.GetChannel(r.Context(), id)
		if err != nil {
			if errors.Is(err, domain.ErrChannelNotFound) {
				writeError(w, http.StatusNotFound, "channel not found")
				return
			}
			logger.Error().Err(err).Int64("channel_id", id).Msg("api: чтение канала")
			writeError(w, http.StatusInternalServerError, "failed to get channel")
			return
		}
		writeJSON(w, channelToJSON(channel))
	})

	r.Delete("/api/channels/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		if err := analyticsService.DeleteChannel(r.Context(), id); err != nil {
			if errors.Is(err, domain.ErrChannelNotFound) {
				writeError(w, http.StatusNotFound, "channel not found")
				return
			}
			logger.Error().Err(err).Int64("channel_id", id).Msg("api: удаление канала")
			writeError(w, http.StatusInternalServerError, "failed to delete channel")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/api/messages/{channelID}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "channelID"))
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		messages, err := analyticsService.ListMessages(r.Context(), id, limit, offset)
		if err != nil {
			if errors.Is(err, domain.ErrChannelNotFound) {
				writeError(w, http.StatusNotFound, "channel not found")
				return
			}
			logger.Error().Err(err).Int64("channel_id", id).Msg("api: сообщения канала")
			writeError(w, http.StatusInternalServerError, "failed to list messages")
			return
		}
		out := make([]messageResponse, 0, len(messages))
		for _, msg := range messages {
			out = append(out, messageToJSON(msg))
		}
		writeJSON(w, out)
	})

	r.Get("/api/analytics", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r.URL.Query().Get("channel_id"))
		if !ok {
			return
		}
		from, err := time.ParseInLocation(dateLayout, r.URL.Query().Get("start_date"), loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
		to, err := time.ParseInLocation(dateLayout, r.URL.Query().Get("end_date"), loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}
		result, err := analyticsService.GetAnalytics(r.Context(), id, from, to)
		if err != nil {
			if errors.Is(err, domain.ErrChannelNotFound) {
				writeError(w, http.StatusNotFound, "channel not found")
				return
			}
			logger.Error().Err(err).Int64("channel_id", id).Msg("api: аналитика канала")
			writeError(w, http.StatusInternalServerError, "failed to get analytics")
			return
		}
		writeJSON(w, analyticsToJSON(result))
	})

	srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: r}
	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("api: старт")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runMigrations прогоняет миграции через стандартный database/sql драйвер pgx.
func runMigrations(dsn string, logger zerolog.Logger) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: открытие БД для миграций")
	}
	defer sqlDB.Close()
	if err := migrations.Run(sqlDB); err != nil {
		logger.Fatal().Err(err).Msg("api: применение миграций")
	}
}

func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "channel id must be a positive integer")
		return 0, false
	}
	return id, true
}

type scrapeChannelRequest struct {
	Channel   string `json:"channel"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type scrapeCancelRequest struct {
	Channel string `json:"channel"`
}

type scrapeStatusResponse struct {
	Identifier  string  `json:"identifier"`
	RunID       string  `json:"run_id"`
	Status      string  `json:"status"`
	Processed   int     `json:"processed"`
	CurrentDate *string `json:"current_date,omitempty"`
	WaitSeconds int     `json:"wait_seconds,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func statusToJSON(status domain.ScrapeStatus) scrapeStatusResponse {
	out := scrapeStatusResponse{
		Identifier:  status.Identifier,
		RunID:       status.RunID,
		Status:      status.State,
		Processed:   status.Processed,
		WaitSeconds: int(status.Wait.Seconds()),
		Error:       status.Error,
	}
	if status.CurrentDate != nil {
		date := status.CurrentDate.Format(dateLayout)
		out.CurrentDate = &date
	}
	return out
}

type channelResponse struct {
	ChannelID    int64  `json:"channel_id"`
	Title        string `json:"title"`
	Username     string `json:"username,omitempty"`
	Description  string `json:"description,omitempty"`
	PhotoID      int64  `json:"photo_id,omitempty"`
	Subscribers  int    `json:"subscribers"`
	Type         string `json:"type"`
	LinkedChatID int64  `json:"linked_chat_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func channelToJSON(ch domain.Channel) channelResponse {
	return channelResponse{
		ChannelID:    ch.ID,
		Title:        ch.Title,
		Username:     ch.Username,
		Description:  ch.Description,
		PhotoID:      ch.PhotoID,
		Subscribers:  ch.Subscribers,
		Type:         ch.Type,
		LinkedChatID: ch.LinkedChatID,
		CreatedAt:    ch.CreatedAt.Format(time.RFC3339),
	}
}

type messageResponse struct {
	ChannelID int64  `json:"channel_id"`
	MessageID int64  `json:"message_id"`
	Date      string `json:"date"`
	Views     int    `json:"views"`
	Reactions int    `json:"reactions"`
	Replies   int    `json:"replies"`
	Forwards  int    `json:"forwards"`
	GroupedID int64  `json:"grouped_id,omitempty"`
}

func messageToJSON(msg domain.Message) messageResponse {
	return messageResponse{
		ChannelID: msg.ChannelID,
		MessageID: msg.MessageID,
		Date:      msg.Date.Format(time.RFC3339),
		Views:     msg.Views,
		Reactions: msg.Reactions,
		Replies:   msg.Replies,
		Forwards:  msg.Forwards,
		GroupedID: msg.GroupedID,
	}
}

type dailyStatResponse struct {
	Date      string `json:"date"`
	Posts     int64  `json:"posts"`
	Views     int64  `json:"views"`
	Reactions int64  `json:"reactions"`
	Replies   int64  `json:"replies"`
	Forwards  int64  `json:"forwards"`
}

type analyticsResponse struct {
	ChannelID   int64               `json:"channel_id"`
	PeriodStart string              `json:"period_start"`
	PeriodEnd   string              `json:"period_end"`
	Posts       int64               `json:"posts"`
	Views       int64               `json:"views"`
	Reactions   int64               `json:"reactions"`
	Replies     int64               `json:"replies"`
	Forwards    int64               `json:"forwards"`
	Daily       []dailyStatResponse `json:"daily"`
}

func analyticsToJSON(a domain.Analytics) analyticsResponse {
	out := analyticsResponse{
		ChannelID:   a.ChannelID,
		PeriodStart: a.PeriodStart.Format(dateLayout),
		PeriodEnd:   a.PeriodEnd.Format(dateLayout),
		Posts:       a.Posts,
		Views:       a.Views,
		Reactions:   a.Reactions,
		Replies:     a.Replies,
		Forwards:    a.Forwards,
		Daily:       make([]dailyStatResponse, 0, len(a.Daily)),
	}
	for _, day := range a.Daily {
		out.Daily = append(out.Daily, dailyStatResponse{
			Date:      day.Date.Format(dateLayout),
			Posts:     day.Posts,
			Views:     day.Views,
			Reactions: day.Reactions,
			Replies:   day.Replies,
			Forwards:  day.Forwards,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
