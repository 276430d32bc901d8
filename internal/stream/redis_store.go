package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"zhengxin-client/internal/model"
)

const redisKeyPrefix = "zhengxin:stream:"

const redisOpTimeout = 5 * time.Second

// RedisStore — реализация Store поверх Redis: потоковое состояние переживает
// перезапуск клиента (серверный вариант хранилища). Записи без активной
// генерации протухают серверным TTL вместо фоновой уборки; генерирующие
// записи хранятся без срока.
//
// Подписки локальны для процесса: межпроцессные уведомления не входят в
// контракт Store.
type RedisStore struct {
	client        *redis.Client
	ttl           time.Duration
	totalChapters int
	logger        zerolog.Logger

	mu        sync.Mutex
	listeners map[string]map[uint64]ListenerFunc
	nextSubID uint64
}

var _ Store = (*RedisStore)(nil)

// RedisOptions — настройки RedisStore.
type RedisOptions struct {
	TTL           time.Duration
	TotalChapters int
	Logger        zerolog.Logger
}

// NewRedisStore создает хранилище поверх готового клиента Redis.
// Жизненным циклом клиента владеет вызывающий код.
func NewRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.TotalChapters <= 0 {
		opts.TotalChapters = model.DefaultTotalChapters
	}
	return &RedisStore{
		client:        client,
		ttl:           opts.TTL,
		totalChapters: opts.TotalChapters,
		logger:        opts.Logger.With().Str("component", "RedisStreamStore").Logger(),
		listeners:     make(map[string]map[uint64]ListenerFunc),
	}
}

// Close ничего не делает: клиент Redis закрывает его владелец, серверный TTL
// не требует фоновой уборки.
func (s *RedisStore) Close() {}

func (s *RedisStore) GetProjectData(projectID string) (model.ProjectStreamingData, bool) {
	ctx, cancel := s.opContext()
	defer cancel()

	entry, err := s.load(ctx, projectID)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error().Err(err).Str("projectID", projectID).Msg("Failed to load streaming data from redis")
		}
		return model.ProjectStreamingData{}, false
	}
	return *entry, true
}

func (s *RedisStore) SetProjectData(projectID string, patch model.StreamingPatch) {
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		applyPatch(entry, patch)
	})
}

func (s *RedisStore) AddEvent(projectID string, ev model.StreamingEvent) {
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		entry.Events = append(entry.Events, ev)
		if len(entry.Events) > maxEventsPerProject {
			entry.Events = entry.Events[len(entry.Events)-maxEventsPerProject:]
		}
		eventsAppended.Inc()
	})
}

func (s *RedisStore) AppendContent(projectID, fragment string) {
	if fragment == "" {
		return
	}
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		entry.ReportContent += fragment
		fragmentsAppended.Inc()
		fragmentBytes.Add(float64(len(fragment)))
	})
}

func (s *RedisStore) ReplaceContent(projectID, content string) {
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		entry.ReportContent = content
	})
}

func (s *RedisStore) SetGeneratingStatus(projectID string, generating bool) {
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		if entry.IsGenerating != generating {
			if generating {
				generatingProjects.Inc()
			} else {
				generatingProjects.Dec()
			}
		}
		entry.IsGenerating = generating
	})
}

func (s *RedisStore) SetTotalChapters(projectID string, total int) {
	if total <= 0 {
		return
	}
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		entry.TotalChapters = total
		entry.Progress = progressFor(entry.CompletedChapters, entry.TotalChapters)
	})
}

func (s *RedisStore) HandleChapterComplete(projectID, nodeTitle string) {
	n, ok := parseChapterNumber(nodeTitle)
	if !ok {
		return
	}
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		if n > entry.CompletedChapters {
			entry.CompletedChapters = n
		}
		entry.Progress = progressFor(entry.CompletedChapters, entry.TotalChapters)
	})
}

func (s *RedisStore) ClearProjectData(projectID string) {
	s.mu.Lock()

	ctx, cancel := s.opContext()
	defer cancel()

	if old, err := s.load(ctx, projectID); err == nil && old.IsGenerating {
		generatingProjects.Dec()
	}

	fresh := model.NewProjectStreamingData(projectID)
	fresh.TotalChapters = s.totalChapters
	fresh.LastUpdated = time.Now()
	if err := s.save(ctx, &fresh); err != nil {
		s.logger.Error().Err(err).Str("projectID", projectID).Msg("Failed to clear streaming data in redis")
	}

	fns := s.listenerFuncs(projectID)
	s.mu.Unlock()

	s.notify(projectID, fresh, fns)
}

func (s *RedisStore) Subscribe(projectID string, fn ListenerFunc) *Listener {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	if s.listeners[projectID] == nil {
		s.listeners[projectID] = make(map[uint64]ListenerFunc)
	}
	s.listeners[projectID][id] = fn
	return &Listener{projectID: projectID, id: id}
}

func (s *RedisStore) Unsubscribe(l *Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if fns, ok := s.listeners[l.projectID]; ok {
		delete(fns, l.id)
		if len(fns) == 0 {
			delete(s.listeners, l.projectID)
		}
	}
}

// mutate выполняет read-modify-write записи проекта под локальным мьютексом.
// Хранилищем владеет один процесс, межпроцессная гонка не рассматривается.
func (s *RedisStore) mutate(projectID string, fn func(entry *model.ProjectStreamingData)) {
	s.mu.Lock()

	ctx, cancel := s.opContext()
	defer cancel()

	entry, err := s.load(ctx, projectID)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error().Err(err).Str("projectID", projectID).Msg("Failed to load streaming data from redis")
			s.mu.Unlock()
			return
		}
		fresh := model.NewProjectStreamingData(projectID)
		fresh.TotalChapters = s.totalChapters
		entry = &fresh
	}

	fn(entry)
	entry.LastUpdated = time.Now()

	if err := s.save(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("projectID", projectID).Msg("Failed to save streaming data to redis")
		s.mu.Unlock()
		return
	}

	fns := s.listenerFuncs(projectID)
	snap := *entry
	s.mu.Unlock()

	s.notify(projectID, snap, fns)
}

func (s *RedisStore) load(ctx context.Context, projectID string) (*model.ProjectStreamingData, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+projectID).Bytes()
	if err != nil {
		return nil, err
	}
	var entry model.ProjectStreamingData
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Поврежденные данные: считаем записи нет, перезапишем при мутации
		s.logger.Error().Err(err).Str("projectID", projectID).Msg("Corrupted streaming data in redis")
		return nil, redis.Nil
	}
	if entry.Events == nil {
		entry.Events = []model.StreamingEvent{}
	}
	return &entry, nil
}

// save пишет запись и управляет серверным TTL: генерирующие записи живут
// без срока, неактивные протухают через ttl.
func (s *RedisStore) save(ctx context.Context, entry *model.ProjectStreamingData) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal streaming data: %w", err)
	}

	expiration := s.ttl
	if entry.IsGenerating {
		expiration = 0 // без срока, пока генерация жива
	}
	if err := s.client.Set(ctx, redisKeyPrefix+entry.ProjectID, raw, expiration).Err(); err != nil {
		return fmt.Errorf("failed to store streaming data in redis: %w", err)
	}
	return nil
}

// listenerFuncs копирует подписчиков проекта. Вызывается под s.mu.
func (s *RedisStore) listenerFuncs(projectID string) []ListenerFunc {
	fns := make([]ListenerFunc, 0, len(s.listeners[projectID]))
	for _, fn := range s.listeners[projectID] {
		fns = append(fns, fn)
	}
	return fns
}

// notify вызывает подписчиков вне мьютекса. Паника одного подписчика
// проглатывается и логируется, остальные получают уведомление.
func (s *RedisStore) notify(projectID string, snap model.ProjectStreamingData, fns []ListenerFunc) {
	for _, fn := range fns {
		notificationsSent.Inc()
		func() {
			defer func() {
				if r := recover(); r != nil {
					listenerPanics.Inc()
					s.logger.Error().Interface("panic", r).Str("projectID", projectID).Msg("Store listener panicked")
				}
			}()
			fn(snap)
		}()
	}
}

func (s *RedisStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}
