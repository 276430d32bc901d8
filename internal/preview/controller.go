package preview

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zhengxin-client/internal/api"
	"zhengxin-client/internal/auth"
	"zhengxin-client/internal/model"
	"zhengxin-client/internal/stream"
	"zhengxin-client/internal/transport"
)

// View — состояние машины предпросмотра отчета.
type View string

const (
	ViewClosed     View = "closed"
	ViewLoading    View = "loading"
	ViewGenerating View = "generating"
	ViewFinal      View = "viewing-final"
	ViewEmpty      View = "empty" // Отчет еще не сгенерирован: нейтральная заглушка
	ViewError      View = "error"
)

// ErrNotConfirmed возвращается, когда пользователь отказался от удаления.
var ErrNotConfirmed = errors.New("deletion not confirmed")

// ReportAPI — используемая контроллером часть REST клиента.
type ReportAPI interface {
	GetReport(ctx context.Context, projectID string) (*api.Report, error)
	GetReportHTML(ctx context.Context, projectID string) (*api.ReportHTML, error)
	GenerateReport(ctx context.Context, req api.GenerateRequest) (*api.GenerateResponse, error)
	StopGeneration(ctx context.Context, projectID string) error
	DeleteReport(ctx context.Context, projectID string) error
	GetGenerationStatus(ctx context.Context, projectID string) (*api.GenerationStatus, error)
}

// Confirmer подтверждает разрушительные действия до любой мутации состояния.
type Confirmer interface {
	Confirm(prompt string) bool
}

// ConfirmerFunc — адаптер функции к Confirmer.
type ConfirmerFunc func(prompt string) bool

func (f ConfirmerFunc) Confirm(prompt string) bool { return f(prompt) }

// Hooks — колбэки к хозяину контроллера (страница/CLI).
type Hooks struct {
	// OnReportDeleted вызывается после успешного удаления отчета,
	// чтобы хозяин обновил и свою запись проекта.
	OnReportDeleted func(projectID string)
	// OnError получает сообщения для показа пользователю.
	OnError func(message string)
	// OnUpdate получает снимок состояния после каждой мутации.
	OnUpdate func(snap Snapshot)
}

// Timings — константы каденции запросов. Формируют частоту обращений к
// API, а не worst-case задержку.
type Timings struct {
	FetchDebounce time.Duration // Склейка конкурирующих запросов одной выборки
	FetchCooldown time.Duration // Минимум между одинаковыми выборками (force обходит)
	FetchStagger  time.Duration // Пауза между выборкой контента и HTML
	DecisionDelay time.Duration // Пауза после Open перед решением о выборке
}

// DefaultTimings возвращает боевые значения каденции.
func DefaultTimings() Timings {
	return Timings{
		FetchDebounce: 300 * time.Millisecond,
		FetchCooldown: 2 * time.Second,
		FetchStagger:  500 * time.Millisecond,
		DecisionDelay: 200 * time.Millisecond,
	}
}

// Snapshot — состояние предпросмотра для рендеринга.
type Snapshot struct {
	View         View
	ErrorMessage string
	Content      string // Markdown: финальный либо накопленный потоковый
	HTML         string
	Stream       model.ProjectStreamingData
}

const (
	fetchContent = "content"
	fetchHTML    = "html"
)

// Controller сводит события транспорта, состояние хранилища и REST вызовы
// в состояние предпросмотра одного проекта. Транспорт разделяемый:
// контроллер никогда не закрывает сокет, только покидает свою комнату.
type Controller struct {
	projectID string
	api       ReportAPI
	store     stream.Store
	sock      *transport.Socket
	logger    zerolog.Logger
	timings   Timings
	hooks     Hooks
	confirm   Confirmer

	mu         sync.Mutex
	view       View
	errMsg     string
	content    string
	html       string
	open       bool
	staleEpoch bool // После разрыва фрагменты не конкатенируются до авторитетной замены
	lastFetch  map[string]time.Time
	pending    map[string]*time.Timer
	subs       []*transport.Subscription
	storeSub   *stream.Listener
}

// Options — зависимости контроллера.
type Options struct {
	ProjectID string
	API       ReportAPI
	Store     stream.Store
	Socket    *transport.Socket // nil допустим: режим без живого транспорта
	Logger    zerolog.Logger
	Timings   Timings
	Hooks     Hooks
	Confirmer Confirmer
}

// NewController создает контроллер предпросмотра.
func NewController(opts Options) *Controller {
	t := opts.Timings
	if t == (Timings{}) {
		t = DefaultTimings()
	}
	return &Controller{
		projectID: opts.ProjectID,
		api:       opts.API,
		store:     opts.Store,
		sock:      opts.Socket,
		logger:    opts.Logger.With().Str("component", "ReportPreview").Str("projectID", opts.ProjectID).Logger(),
		timings:   t,
		hooks:     opts.Hooks,
		confirm:   opts.Confirmer,
		view:      ViewClosed,
		lastFetch: make(map[string]time.Time),
		pending:   make(map[string]*time.Timer),
	}
}

// Open открывает предпросмотр: входит в комнату проекта, подписывается на
// события и хранилище. Если генерация не идет — запрашивает финальный
// контент и HTML (контент первым, HTML с паузой); если идет — рендерит
// живое состояние хранилища без выборки.
func (c *Controller) Open(ctx context.Context) {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.view = ViewLoading
	c.mu.Unlock()

	if c.sock != nil {
		c.sock.JoinRoom(transport.RoomForProject(c.projectID))
		c.mu.Lock()
		c.subs = []*transport.Subscription{
			c.sock.On(transport.EventWorkflowEvent, c.handleWorkflowEvent),
			c.sock.On(transport.EventWorkflowContent, c.handleContent),
			c.sock.On(transport.EventWorkflowComplete, c.handleComplete),
			c.sock.On(transport.EventWorkflowError, c.handleError),
			c.sock.On(transport.EventGenerationCancelled, c.handleCancelled),
			c.sock.On(transport.EventDisconnected, c.handleDisconnected),
			c.sock.On(transport.EventReconnected, c.handleReconnected),
		}
		c.mu.Unlock()
	}

	c.storeSub = c.store.Subscribe(c.projectID, c.handleStoreUpdate)

	if data, ok := c.store.GetProjectData(c.projectID); ok && data.IsGenerating {
		c.setView(ViewGenerating)
		c.logger.Info().Msg("Preview opened during live generation")
		return
	}

	c.scheduleFetch(fetchContent, false, c.timings.DecisionDelay)
	c.scheduleFetch(fetchHTML, false, c.timings.DecisionDelay+c.timings.FetchStagger)
}

// Close закрывает предпросмотр: снимает подписки и покидает комнату.
// Сам сокет не закрывается — им могут пользоваться другие наблюдатели.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.view = ViewClosed
	for kind, timer := range c.pending {
		timer.Stop()
		delete(c.pending, kind)
	}
	subs := c.subs
	c.subs = nil
	storeSub := c.storeSub
	c.storeSub = nil
	c.mu.Unlock()

	if c.sock != nil {
		for _, sub := range subs {
			c.sock.Off(sub)
		}
		c.sock.LeaveRoom(transport.RoomForProject(c.projectID))
	}
	if storeSub != nil {
		c.store.Unsubscribe(storeSub)
	}
	c.logger.Debug().Msg("Preview closed")
}

// StartGeneration запускает генерацию отчета. Ответ "正在生成" — не ошибка:
// контроллер подключается к уже идущей сессии.
func (c *Controller) StartGeneration(ctx context.Context, req api.GenerateRequest) error {
	req.ProjectID = c.projectID

	resp, err := c.api.GenerateReport(ctx, req)
	switch {
	case errors.Is(err, api.ErrAlreadyGenerating):
		c.logger.Info().Msg("Generation already running, attaching to existing session")
		c.store.SetGeneratingStatus(c.projectID, true)
		c.setView(ViewGenerating)
		return nil
	case errors.Is(err, auth.ErrUnauthenticated):
		c.reportError("请先登录 (please log in)")
		return err
	case err != nil:
		c.reportError(err.Error())
		return err
	}

	// Оптимистично: флаг и чистый контент до первого события сервера
	c.store.ReplaceContent(c.projectID, "")
	c.store.SetGeneratingStatus(c.projectID, true)
	if resp.TotalChapters > 0 {
		c.store.SetTotalChapters(c.projectID, resp.TotalChapters)
	}

	c.mu.Lock()
	c.content = ""
	c.html = ""
	c.errMsg = ""
	c.staleEpoch = false
	c.mu.Unlock()
	c.setView(ViewGenerating)

	c.logger.Info().Str("room", resp.WebsocketRoom).Msg("Report generation started")
	return nil
}

// StopGeneration останавливает генерацию. Остановка совещательная для
// бэкенда и немедленная для клиента: флаг снимается локально, поздние
// события проекта дальше молча отбрасываются.
func (c *Controller) StopGeneration(ctx context.Context) error {
	if err := c.api.StopGeneration(ctx, c.projectID); err != nil {
		c.reportError(err.Error())
		return err
	}

	c.store.SetGeneratingStatus(c.projectID, false)
	c.store.AddEvent(c.projectID, model.NewEvent("generation_stopped", "已手动停止生成"))
	c.settleTerminalView()
	c.logger.Info().Msg("Report generation stopped by user")
	return nil
}

// DeleteReport удаляет отчет после явного подтверждения пользователя.
// До подтверждения никакое состояние не мутируется.
func (c *Controller) DeleteReport(ctx context.Context) error {
	if c.confirm == nil || !c.confirm.Confirm("确认删除该项目的征信报告？此操作不可恢复") {
		return ErrNotConfirmed
	}

	if err := c.api.DeleteReport(ctx, c.projectID); err != nil {
		c.reportError(err.Error())
		return err
	}

	c.store.ClearProjectData(c.projectID)
	c.mu.Lock()
	c.content = ""
	c.html = ""
	c.errMsg = ""
	c.view = ViewEmpty
	c.mu.Unlock()

	if c.hooks.OnReportDeleted != nil {
		c.hooks.OnReportDeleted(c.projectID)
	}
	c.logger.Info().Msg("Report deleted")
	return nil
}

// Snapshot возвращает текущее состояние предпросмотра.
func (c *Controller) Snapshot() Snapshot {
	data, _ := c.store.GetProjectData(c.projectID)

	c.mu.Lock()
	defer c.mu.Unlock()

	content := c.content
	if data.IsGenerating || content == "" {
		content = data.ReportContent
	}
	return Snapshot{
		View:         c.view,
		ErrorMessage: c.errMsg,
		Content:      content,
		HTML:         c.html,
		Stream:       data,
	}
}

// --- Обработчики событий транспорта ---

// handleWorkflowEvent пишет событие жизненного цикла в журнал и продвигает
// прогресс по главам на node_finished.
func (c *Controller) handleWorkflowEvent(raw json.RawMessage) {
	ev := transport.DecodeWorkflowEvent(raw)
	// Комнаты совещательные: события чужих проектов отбрасываются здесь
	if ev.ProjectID != "" && ev.ProjectID != c.projectID {
		return
	}

	content := ev.NodeTitle
	if content == "" {
		content = ev.Kind
	}
	c.store.AddEvent(c.projectID, model.NewEvent(ev.Kind, content))

	if ev.Kind == transport.KindNodeFinished && ev.NodeTitle != "" {
		c.store.HandleChapterComplete(c.projectID, ev.NodeTitle)
	}
}

// handleContent дописывает фрагмент к накопленному контенту.
// Фрагменты после разрыва соединения отбрасываются: без номеров
// последовательности корректность конкатенации держится только на
// непрерывности одной эпохи соединения.
func (c *Controller) handleContent(raw json.RawMessage) {
	var payload transport.ContentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Warn().Err(err).Msg("Malformed workflow_content payload ignored")
		return
	}
	if payload.ProjectID != "" && payload.ProjectID != c.projectID {
		return
	}
	if payload.ContentChunk == "" {
		return
	}

	c.mu.Lock()
	stale := c.staleEpoch
	c.mu.Unlock()
	if stale {
		return
	}

	// После локальной остановки поздние фрагменты молча игнорируются
	if data, ok := c.store.GetProjectData(c.projectID); ok && !data.IsGenerating {
		return
	}

	c.store.AppendContent(c.projectID, payload.ContentChunk)
}

// handleComplete обрабатывает завершение воркфлоу. События чужих проектов
// отбрасываются: транспорт общий, серверной фильтрации по комнате нет.
func (c *Controller) handleComplete(raw json.RawMessage) {
	var payload transport.CompletePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Warn().Err(err).Msg("Malformed workflow_complete payload ignored")
		return
	}
	if payload.ProjectID != c.projectID {
		return
	}

	c.store.SetGeneratingStatus(c.projectID, false)
	c.store.AddEvent(c.projectID, model.NewEvent("workflow_complete", "报告生成完成"))

	if payload.FinalContent != "" {
		// Инлайновый финальный контент авторитетен, выборка не нужна
		c.store.ReplaceContent(c.projectID, payload.FinalContent)
		c.mu.Lock()
		c.content = payload.FinalContent
		c.staleEpoch = false
		c.view = ViewFinal
		c.mu.Unlock()
		c.pushUpdate()
	} else {
		c.scheduleFetch(fetchContent, true, 0)
		c.scheduleFetch(fetchHTML, true, c.timings.FetchStagger)
	}
	c.logger.Info().Msg("Workflow complete")
}

// handleError обрабатывает ошибку генерации. Частично накопленный контент
// не затирается хвостовой ошибкой.
func (c *Controller) handleError(raw json.RawMessage) {
	var payload transport.ErrorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Warn().Err(err).Msg("Malformed workflow_error payload ignored")
		return
	}
	if payload.ProjectID != c.projectID {
		return
	}

	c.store.SetGeneratingStatus(c.projectID, false)
	c.store.AddEvent(c.projectID, model.NewEvent("错误", payload.ErrorMessage))

	c.mu.Lock()
	c.errMsg = payload.ErrorMessage
	c.view = ViewError
	c.mu.Unlock()

	if c.hooks.OnError != nil {
		c.hooks.OnError(payload.ErrorMessage)
	}
	c.pushUpdate()
	c.logger.Warn().Str("message", payload.ErrorMessage).Msg("Workflow error")
}

func (c *Controller) handleCancelled(raw json.RawMessage) {
	var payload transport.CancelledPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	if payload.ProjectID != c.projectID {
		return
	}

	c.store.SetGeneratingStatus(c.projectID, false)
	c.store.AddEvent(c.projectID, model.NewEvent("generation_cancelled", "生成已取消"))
	c.settleTerminalView()
	c.logger.Info().Msg("Generation cancelled")
}

// handleDisconnected помечает эпоху соединения устаревшей: дальнейшая
// конкатенация фрагментов некорректна до авторитетной замены контента.
func (c *Controller) handleDisconnected(json.RawMessage) {
	c.mu.Lock()
	c.staleEpoch = true
	c.mu.Unlock()
	c.logger.Warn().Msg("Transport disconnected, content accumulation suspended")
}

// handleReconnected сверяет состояние с бэкендом: события в окне разрыва
// потеряны, единственный авторитет — REST статус генерации.
func (c *Controller) handleReconnected(json.RawMessage) {
	go c.resyncAfterReconnect(context.Background())
}

func (c *Controller) resyncAfterReconnect(ctx context.Context) {
	status, err := c.api.GetGenerationStatus(ctx, c.projectID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Generation status check failed after reconnect")
		// Деградация: запрашиваем готовый отчет как нейтральный источник истины
		c.scheduleFetch(fetchContent, true, 0)
		return
	}

	if !status.IsGenerating {
		// Завершение могло пройти в окне разрыва: workflow_complete не придет
		c.store.SetGeneratingStatus(c.projectID, false)
		c.scheduleFetch(fetchContent, true, 0)
		c.scheduleFetch(fetchHTML, true, c.timings.FetchStagger)
		return
	}

	c.store.SetProjectData(c.projectID, model.StreamingPatch{Progress: &status.Progress})
	c.logger.Info().Int("progress", status.Progress).Msg("Generation still live after reconnect")
}

// handleStoreUpdate следит за мутациями хранилища (вызванными в том числе
// другими наблюдателями того же проекта).
func (c *Controller) handleStoreUpdate(data model.ProjectStreamingData) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	if data.IsGenerating && c.view != ViewGenerating {
		c.view = ViewGenerating
	}
	c.mu.Unlock()
	c.pushUpdate()
}

// --- Выборка финального контента ---

// scheduleFetch ставит выборку с дебаунсом: конкурирующие запросы одной
// выборки (открытие, смена флага генерации, реконнект) склеиваются.
func (c *Controller) scheduleFetch(kind string, force bool, extraDelay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return
	}
	if _, exists := c.pending[kind]; exists {
		return
	}
	delay := c.timings.FetchDebounce + extraDelay
	c.pending[kind] = time.AfterFunc(delay, func() {
		c.runFetch(kind, force)
	})
}

// runFetch выполняет выборку с учетом кулдауна (force обходит только кулдаун).
func (c *Controller) runFetch(kind string, force bool) {
	c.mu.Lock()
	delete(c.pending, kind)
	if !c.open {
		c.mu.Unlock()
		return
	}
	if !force {
		if last, ok := c.lastFetch[kind]; ok && time.Since(last) < c.timings.FetchCooldown {
			c.mu.Unlock()
			return
		}
	}
	c.lastFetch[kind] = time.Now()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch kind {
	case fetchContent:
		c.fetchFinalContent(ctx)
	case fetchHTML:
		c.fetchHTML(ctx)
	}
}

func (c *Controller) fetchFinalContent(ctx context.Context) {
	report, err := c.api.GetReport(ctx, c.projectID)
	switch {
	case errors.Is(err, api.ErrReportNotReady):
		// Ожидаемое состояние, не тревога: нейтральная заглушка
		c.mu.Lock()
		if c.view == ViewLoading {
			c.view = ViewEmpty
		}
		c.mu.Unlock()
		c.pushUpdate()
		return
	case errors.Is(err, auth.ErrUnauthenticated):
		c.reportError("请先登录 (please log in)")
		return
	case err != nil:
		c.reportError(err.Error())
		return
	}

	// Финальный результат пишется обратно в хранилище: повторное открытие
	// без живого транспорта покажет корректное состояние
	c.store.ReplaceContent(c.projectID, report.Content)

	c.mu.Lock()
	c.content = report.Content
	c.staleEpoch = false
	if c.view != ViewGenerating {
		c.view = ViewFinal
	}
	c.mu.Unlock()
	c.pushUpdate()
}

func (c *Controller) fetchHTML(ctx context.Context) {
	html, err := c.api.GetReportHTML(ctx, c.projectID)
	if err != nil {
		// HTML вторичен: неготовность и сбои не меняют состояние просмотра
		if !errors.Is(err, api.ErrReportNotReady) {
			c.logger.Warn().Err(err).Msg("HTML fetch failed")
		}
		return
	}

	c.mu.Lock()
	c.html = html.HTMLContent
	c.mu.Unlock()
	c.pushUpdate()
}

// --- Вспомогательное ---

func (c *Controller) setView(v View) {
	c.mu.Lock()
	c.view = v
	c.mu.Unlock()
	c.pushUpdate()
}

// settleTerminalView выбирает состояние после завершения генерации без
// финального контента от сервера.
func (c *Controller) settleTerminalView() {
	data, _ := c.store.GetProjectData(c.projectID)
	c.mu.Lock()
	if data.ReportContent != "" || c.content != "" {
		c.view = ViewFinal
	} else {
		c.view = ViewEmpty
	}
	c.mu.Unlock()
	c.pushUpdate()
}

func (c *Controller) reportError(msg string) {
	c.mu.Lock()
	c.errMsg = msg
	c.view = ViewError
	c.mu.Unlock()

	if c.hooks.OnError != nil {
		c.hooks.OnError(msg)
	}
	c.pushUpdate()
}

func (c *Controller) pushUpdate() {
	if c.hooks.OnUpdate != nil {
		c.hooks.OnUpdate(c.Snapshot())
	}
}
