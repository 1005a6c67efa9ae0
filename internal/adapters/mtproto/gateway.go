package mtproto

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-channel-analytics/internal/domain"
	"tg-channel-analytics/internal/infra/metrics"
)

const (
	historyPageSize = 100
	metricPageSize  = 100
	startTimeout    = 30 * time.Second
)

// ErrAliasInvalid возвращается на нераспознанный идентификатор канала.
var ErrAliasInvalid = errors.New("некорректный идентификатор канала")

var aliasRegex = regexp.MustCompile(`(?i)^(?:@|https?://t\.me/|t\.me/)?([a-z0-9_]{4,})$`)

// parseAlias приводит ввод вызывающего к каноничному алиасу.
func parseAlias(input string) (string, error) {
	trim := strings.TrimSpace(input)
	matches := aliasRegex.FindStringSubmatch(trim)
	if len(matches) < 2 {
		return "", ErrAliasInvalid
	}
	return strings.ToLower(matches[1]), nil
}

// Gateway реализует доступ к Telegram через gotd.
type Gateway struct {
	client *telegram.Client
	api    *tg.Client
	log    zerolog.Logger
}

var (
	_ domain.ChannelGateway = (*Gateway)(nil)
	_ domain.MetricSource   = (*Gateway)(nil)
)

// NewGateway создаёт MTProto клиент с хранилищем сессии.
func NewGateway(apiID int, apiHash string, storage session.Storage, log zerolog.Logger) *Gateway {
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
	return &Gateway{client: client, log: log}
}

// Start устанавливает соединение и держит его до отмены контекста.
// Возвращает ошибку, если сессия не авторизована или соединение не поднялось.
func (g *Gateway) Start(ctx context.Context) error {
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.client.Run(ctx, func(ctx context.Context) error {
			status, err := g.client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("статус авторизации: %w", err)
			}
			if !status.Authorized {
				return errors.New("сессия MTProto не авторизована")
			}
			g.api = g.client.API()
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	select {
	case <-ready:
		return nil
	case err := <-errCh:
		return fmt.Errorf("запуск MTProto клиента: %w", err)
	case <-time.After(startTimeout):
		return errors.New("таймаут подключения к Telegram")
	}
}

// translateErr превращает FLOOD_WAIT в доменный rate-limit сигнал.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &domain.RateLimitError{Wait: wait}
	}
	return err
}

// ResolveChannel находит канал или супергруппу по алиасу или ссылке.
func (g *Gateway) ResolveChannel(ctx context.Context, identifier string) (domain.ChannelMeta, error) {
	alias, err := parseAlias(identifier)
	if err != nil {
		return domain.ChannelMeta{}, err
	}

	start := time.Now()
	resolved, err := g.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: alias})
	metrics.ObserveNetworkRequest("telegram", "contacts_resolve_username", alias, start, err)
	if err != nil {
		return domain.ChannelMeta{}, translateErr(err)
	}

	ch, err := findChannel(resolved.GetChats())
	if err != nil {
		return domain.ChannelMeta{}, err
	}

	meta := domain.ChannelMeta{
		ID:    ch.ID,
		Title: ch.Title,
		Type:  domain.ChannelTypeChannel,
	}
	if ch.Megagroup {
		meta.Type = domain.ChannelTypeSupergroup
	}
	if hash, ok := ch.GetAccessHash(); ok {
		meta.AccessHash = hash
	}
	if username, ok := ch.GetUsername(); ok {
		meta.Username = username
	}
	if count, ok := ch.GetParticipantsCount(); ok {
		meta.Subscribers = count
	}
	if photo, ok := ch.Photo.(*tg.ChatPhoto); ok {
		meta.PhotoID = photo.PhotoID
	}

	// Описание и привязанное обсуждение есть только в полной карточке канала.
	start = time.Now()
	full, err := g.api.ChannelsGetFullChannel(ctx, &tg.InputChannel{ChannelID: ch.ID, AccessHash: meta.AccessHash})
	metrics.ObserveNetworkRequest("telegram", "channels_get_full", alias, start, err)
	if err != nil {
		if rl, ok := domain.AsRateLimit(translateErr(err)); ok {
			return domain.ChannelMeta{}, rl
		}
		g.log.Warn().Err(err).Str("alias", alias).Msg("mtproto: полная карточка канала недоступна")
		return meta, nil
	}
	if channelFull, ok := full.FullChat.(*tg.ChannelFull); ok {
		meta.Description = channelFull.About
		if linked, ok := channelFull.GetLinkedChatID(); ok {
			meta.LinkedChatID = linked
		}
	}
	return meta, nil
}

// findChannel ищет канал или супергруппу среди чатов ответа.
func findChannel(chats []tg.ChatClass) (*tg.Channel, error) {
	for _, peer := range chats {
		if ch, ok := peer.(*tg.Channel); ok {
			if ch.Broadcast || ch.Megagroup {
				return ch, nil
			}
		}
	}
	return nil, domain.ErrNotChannel
}

// History открывает итератор истории канала от новых сообщений к старым.
func (g *Gateway) History(ctx context.Context, meta domain.ChannelMeta) (domain.HistoryIterator, error) {
	return &historyIterator{
		gw:   g,
		meta: meta,
		peer: &tg.InputPeerChannel{ChannelID: meta.ID, AccessHash: meta.AccessHash},
	}, nil
}

// historyIterator постранично читает MessagesGetHistory. Позиция (offsetID)
// сдвигается только после успешной загрузки страницы, поэтому после паузы по
// rate-limit повторный Next продолжает с того же места.
type historyIterator struct {
	gw      *Gateway
	meta    domain.ChannelMeta
	peer    *tg.InputPeerChannel
	offset  int
	pending []domain.ChannelMessage
	done    bool
}

// Next возвращает следующее сообщение; false — история исчерпана.
func (it *historyIterator) Next(ctx context.Context) (domain.ChannelMessage, bool, error) {
	for len(it.pending) == 0 && !it.done {
		if err := it.fetch(ctx); err != nil {
			return domain.ChannelMessage{}, false, err
		}
	}
	if len(it.pending) == 0 {
		return domain.ChannelMessage{}, false, nil
	}
	msg := it.pending[0]
	it.pending = it.pending[1:]
	return msg, true, nil
}

func (it *historyIterator) fetch(ctx context.Context) error {
	start := time.Now()
	res, err := it.gw.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     it.peer,
		OffsetID: it.offset,
		Limit:    historyPageSize,
	})
	metrics.ObserveNetworkRequest("telegram", "messages_get_history", strconv.FormatInt(it.meta.ID, 10), start, err)
	if err != nil {
		return translateErr(err)
	}

	channelMessages, ok := res.(*tg.MessagesChannelMessages)
	if !ok {
		return fmt.Errorf("неожиданный тип ответа истории: %T", res)
	}
	if len(channelMessages.Messages) == 0 {
		it.done = true
		return nil
	}

	minID := it.offset
	var page []domain.ChannelMessage
	for _, raw := range channelMessages.Messages {
		if minID == 0 || raw.GetID() < minID {
			minID = raw.GetID()
		}
		if msg, ok := raw.(*tg.Message); ok {
			page = append(page, convertMessage(msg))
		}
	}
	// Новые сообщения первыми, как отдаёт платформа.
	sort.Slice(page, func(i, j int) bool { return page[i].ID > page[j].ID })

	it.offset = minID
	it.pending = page
	if len(channelMessages.Messages) < historyPageSize {
		it.done = true
	}
	return nil
}

// convertMessage переносит поля tg.Message в доменное представление.
func convertMessage(m *tg.Message) domain.ChannelMessage {
	msg := domain.ChannelMessage{
		ID:   int64(m.ID),
		Date: time.Unix(int64(m.Date), 0).UTC(),
	}
	if views, ok := m.GetViews(); ok {
		msg.Views = views
	}
	if forwards, ok := m.GetForwards(); ok {
		msg.Forwards = forwards
		msg.ForwardsKnown = true
	}
	if _, ok := m.GetFwdFrom(); ok {
		msg.Forwarded = true
	}
	if replies, ok := m.GetReplies(); ok {
		msg.InlineReplies = replies.Replies
	}
	if reactions, ok := m.GetReactions(); ok {
		total := 0
		for _, r := range reactions.Results {
			total += r.Count
		}
		msg.InlineReactions = total
	}
	if grouped, ok := m.GetGroupedID(); ok {
		msg.GroupedID = grouped
	}
	return msg
}

// CountReactions считает реакции сообщения постраничным запросом.
func (g *Gateway) CountReactions(ctx context.Context, meta domain.ChannelMeta, messageID int64) (int, error) {
	peer := &tg.InputPeerChannel{ChannelID: meta.ID, AccessHash: meta.AccessHash}
	total := 0
	req := &tg.MessagesGetMessageReactionsListRequest{
		Peer:  peer,
		ID:    int(messageID),
		Limit: metricPageSize,
	}
	for {
		start := time.Now()
		res, err := g.api.MessagesGetMessageReactionsList(ctx, req)
		metrics.ObserveNetworkRequest("telegram", "reactions_list", strconv.FormatInt(meta.ID, 10), start, err)
		if err != nil {
			return 0, translateErr(err)
		}
		total += len(res.Reactions)
		next, ok := res.GetNextOffset()
		if !ok || next == "" || len(res.Reactions) < metricPageSize {
			return total, nil
		}
		req.SetOffset(next)
	}
}

// CountReplies считает комментарии сообщения постраничным запросом
// к треду обсуждения.
func (g *Gateway) CountReplies(ctx context.Context, meta domain.ChannelMeta, messageID int64) (int, error) {
	peer := &tg.InputPeerChannel{ChannelID: meta.ID, AccessHash: meta.AccessHash}
	total := 0
	offsetID := 0
	for {
		start := time.Now()
		res, err := g.api.MessagesGetReplies(ctx, &tg.MessagesGetRepliesRequest{
			Peer:     peer,
			MsgID:    int(messageID),
			OffsetID: offsetID,
			Limit:    metricPageSize,
		})
		metrics.ObserveNetworkRequest("telegram", "replies_list", strconv.FormatInt(meta.ID, 10), start, err)
		if err != nil {
			return 0, translateErr(err)
		}
		page := repliesPage(res)
		if len(page) == 0 {
			return total, nil
		}
		total += len(page)
		minID := page[0]
		for _, id := range page {
			if id < minID {
				minID = id
			}
		}
		if len(page) < metricPageSize {
			return total, nil
		}
		offsetID = minID
	}
}

// repliesPage достаёт идентификаторы сообщений из ответа любой формы.
func repliesPage(res tg.MessagesMessagesClass) []int {
	var raw []tg.MessageClass
	switch v := res.(type) {
	case *tg.MessagesChannelMessages:
		raw = v.Messages
	case *tg.MessagesMessages:
		raw = v.Messages
	case *tg.MessagesMessagesSlice:
		raw = v.Messages
	default:
		return nil
	}
	ids := make([]int, 0, len(raw))
	for _, m := range raw {
		ids = append(ids, m.GetID())
	}
	return ids
}
