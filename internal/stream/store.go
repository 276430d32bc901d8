package stream

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zhengxin-client/internal/model"
)

// Журнал событий одного проекта ограничен, чтобы ушедший вразнос воркфлоу
// не рос без предела; старейшие записи вытесняются.
const maxEventsPerProject = 1000

// ListenerFunc получает полный снимок данных проекта при каждой мутации.
// Вызывается часто; дорогой рендеринг подписчик дебаунсит сам.
type ListenerFunc func(data model.ProjectStreamingData)

// Listener — дескриптор подписки на проект. Unsubscribe по дескриптору
// снимает ровно эту подписку.
type Listener struct {
	projectID string
	id        uint64
}

// Store — процессное хранилище потоковых данных генерации, переживающее
// любой отдельный UI-компонент. Единственный владелец мутаций: весь доступ
// через методы, чтение — через GetProjectData и подписки.
type Store interface {
	// GetProjectData возвращает копию записи проекта.
	GetProjectData(projectID string) (model.ProjectStreamingData, bool)
	// SetProjectData сливает частичное обновление, обновляет LastUpdated
	// и уведомляет подписчиков (даже при пустом patch).
	SetProjectData(projectID string, patch model.StreamingPatch)
	// AddEvent добавляет событие в журнал. Контент не трогает.
	AddEvent(projectID string, ev model.StreamingEvent)
	// AppendContent дописывает фрагмент к накопленному тексту отчета.
	// Накоплением владеет хранилище: вызывающий код не конкатенирует сам.
	AppendContent(projectID, fragment string)
	// ReplaceContent целиком заменяет текст отчета авторитетным значением.
	ReplaceContent(projectID, content string)
	// SetGeneratingStatus выставляет флаг активной генерации.
	SetGeneratingStatus(projectID string, generating bool)
	// SetTotalChapters переопределяет число глав для расчета прогресса.
	SetTotalChapters(projectID string, total int)
	// HandleChapterComplete разбирает заголовок узла node_finished и
	// монотонно продвигает счетчик глав. Нераспознанные заголовки — no-op.
	HandleChapterComplete(projectID, nodeTitle string)
	// ClearProjectData сбрасывает запись в нулевое значение и уведомляет им.
	ClearProjectData(projectID string)
	// Subscribe регистрирует подписчика на мутации проекта.
	Subscribe(projectID string, fn ListenerFunc) *Listener
	// Unsubscribe снимает подписку по дескриптору.
	Unsubscribe(l *Listener)
	// Close останавливает фоновые задачи хранилища.
	Close()
}

// MemoryOptions — настройки MemoryStore.
type MemoryOptions struct {
	TTL           time.Duration // Окно хранения неактивных записей
	SweepInterval time.Duration // Период фоновой уборки
	TotalChapters int           // Число глав по умолчанию
	Logger        zerolog.Logger
}

// MemoryStore — реализация Store в памяти процесса (вариант по умолчанию).
type MemoryStore struct {
	ttl           time.Duration
	totalChapters int
	logger        zerolog.Logger

	mu        sync.Mutex
	entries   map[string]*model.ProjectStreamingData
	listeners map[string]map[uint64]ListenerFunc
	nextSubID uint64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore создает хранилище и запускает фоновую уборку.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.TotalChapters <= 0 {
		opts.TotalChapters = model.DefaultTotalChapters
	}

	s := &MemoryStore{
		ttl:           opts.TTL,
		totalChapters: opts.TotalChapters,
		logger:        opts.Logger.With().Str("component", "StreamStore").Logger(),
		entries:       make(map[string]*model.ProjectStreamingData),
		listeners:     make(map[string]map[uint64]ListenerFunc),
		stopSweep:     make(chan struct{}),
	}
	go s.sweepLoop(opts.SweepInterval)
	return s
}

// Close останавливает фоновую уборку.
func (s *MemoryStore) Close() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

// GetProjectData возвращает копию записи проекта. Чистое чтение.
func (s *MemoryStore) GetProjectData(projectID string) (model.ProjectStreamingData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[projectID]
	if !ok {
		return model.ProjectStreamingData{}, false
	}
	return snapshot(entry), true
}

func (s *MemoryStore) SetProjectData(projectID string, patch model.StreamingPatch) {
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		applyPatch(entry, patch)
	})
}

func (s *MemoryStore) AddEvent(projectID string, ev model.StreamingEvent) {
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		entry.Events = append(entry.Events, ev)
		if len(entry.Events) > maxEventsPerProject {
			entry.Events = entry.Events[len(entry.Events)-maxEventsPerProject:]
		}
		eventsAppended.Inc()
	})
}

func (s *MemoryStore) AppendContent(projectID, fragment string) {
	if fragment == "" {
		return
	}
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		entry.ReportContent += fragment
		fragmentsAppended.Inc()
		fragmentBytes.Add(float64(len(fragment)))
	})
}

func (s *MemoryStore) ReplaceContent(projectID, content string) {
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		entry.ReportContent = content
	})
}

func (s *MemoryStore) SetGeneratingStatus(projectID string, generating bool) {
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

func (s *MemoryStore) SetTotalChapters(projectID string, total int) {
	if total <= 0 {
		return
	}
	s.mutate(projectID, func(entry *model.ProjectStreamingData) {
		entry.TotalChapters = total
		entry.Progress = progressFor(entry.CompletedChapters, entry.TotalChapters)
	})
}

// HandleChapterComplete продвигает счетчик глав по заголовку узла.
// max() защищает от регресса при доставке событий вне порядка.
func (s *MemoryStore) HandleChapterComplete(projectID, nodeTitle string) {
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

// ClearProjectData сбрасывает запись в нулевое значение. Подписчики получают
// именно нулевую запись: "ничего не генерируется, показывать нечего".
func (s *MemoryStore) ClearProjectData(projectID string) {
	s.mu.Lock()
	if old, ok := s.entries[projectID]; ok && old.IsGenerating {
		generatingProjects.Dec()
	}
	fresh := model.NewProjectStreamingData(projectID)
	fresh.TotalChapters = s.totalChapters
	fresh.LastUpdated = time.Now()
	s.entries[projectID] = &fresh
	snap := snapshot(&fresh)
	fns := s.listenerFuncs(projectID)
	s.mu.Unlock()

	s.logger.Debug().Str("projectID", projectID).Msg("Project streaming data cleared")
	s.notify(projectID, snap, fns)
}

func (s *MemoryStore) Subscribe(projectID string, fn ListenerFunc) *Listener {
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

func (s *MemoryStore) Unsubscribe(l *Listener) {
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

// mutate применяет мутацию атомарно с точки зрения подписчиков: снимок
// делается под мьютексом после полной мутации, поэтому слушатель никогда
// не видит частично примененную запись.
func (s *MemoryStore) mutate(projectID string, fn func(entry *model.ProjectStreamingData)) {
	s.mu.Lock()
	entry := s.entries[projectID]
	if entry == nil {
		fresh := model.NewProjectStreamingData(projectID)
		fresh.TotalChapters = s.totalChapters
		entry = &fresh
		s.entries[projectID] = entry
	}
	fn(entry)
	entry.LastUpdated = time.Now()
	snap := snapshot(entry)
	fns := s.listenerFuncs(projectID)
	s.mu.Unlock()

	s.notify(projectID, snap, fns)
}

// listenerFuncs копирует подписчиков проекта. Вызывается под мьютексом.
func (s *MemoryStore) listenerFuncs(projectID string) []ListenerFunc {
	fns := make([]ListenerFunc, 0, len(s.listeners[projectID]))
	for _, fn := range s.listeners[projectID] {
		fns = append(fns, fn)
	}
	return fns
}

// notify вызывает подписчиков вне мьютекса. Паника одного подписчика
// проглатывается и логируется, остальные получают уведомление.
func (s *MemoryStore) notify(projectID string, snap model.ProjectStreamingData, fns []ListenerFunc) {
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

// sweepLoop периодически вычищает протухшие записи.
func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stopSweep:
			return
		}
	}
}

// sweep удаляет записи старше TTL, у которых генерация не идет.
// Активно генерирующие записи не вытесняются независимо от возраста.
func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	evicted := 0
	for id, entry := range s.entries {
		if entry.IsGenerating {
			continue
		}
		if now.Sub(entry.LastUpdated) > s.ttl {
			delete(s.entries, id)
			evicted++
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		entriesEvicted.Add(float64(evicted))
		s.logger.Info().Int("evicted", evicted).Msg("Swept stale streaming entries")
	}
}

func snapshot(entry *model.ProjectStreamingData) model.ProjectStreamingData {
	snap := *entry
	snap.Events = make([]model.StreamingEvent, len(entry.Events))
	copy(snap.Events, entry.Events)
	return snap
}

func applyPatch(entry *model.ProjectStreamingData, patch model.StreamingPatch) {
	if patch.IsGenerating != nil {
		if entry.IsGenerating != *patch.IsGenerating {
			if *patch.IsGenerating {
				generatingProjects.Inc()
			} else {
				generatingProjects.Dec()
			}
		}
		entry.IsGenerating = *patch.IsGenerating
	}
	if patch.ReportContent != nil {
		entry.ReportContent = *patch.ReportContent
	}
	if patch.Progress != nil {
		entry.Progress = *patch.Progress
	}
	if patch.CompletedChapters != nil {
		entry.CompletedChapters = *patch.CompletedChapters
	}
	if patch.TotalChapters != nil && *patch.TotalChapters > 0 {
		entry.TotalChapters = *patch.TotalChapters
	}
}

func progressFor(completed, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(completed) / float64(total)))
	if p > 100 {
		p = 100
	}
	return p
}
