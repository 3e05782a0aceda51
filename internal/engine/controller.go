package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"mailsync/internal/config"
	"mailsync/internal/eviction"
	"mailsync/internal/models"
	"mailsync/internal/providers"
	"mailsync/internal/storage"
)

// requeueYield 账户占用时重排任务后的让位时长
const requeueYield = 50 * time.Millisecond

// 轮询档位。前台走主动档（高频只刷主文件夹），
// 后台走被动档（低频全量），同一时刻只有一档生效
const (
	ModeActive  = "active"
	ModePassive = "passive"
)

// JobHandler 任务处理器
type JobHandler interface {
	Handle(ctx context.Context, job *Job) error
}

// Controller 同步引擎控制器
// 单消费者循环从队列取任务分发执行；同一账户同一时刻
// 只有一个任务在执行，后续任务重排到队尾并短暂让位
type Controller struct {
	db      *gorm.DB
	cfg     *config.Config
	factory providers.ProviderFactory
	evictor *eviction.Engine

	queue       *JobQueue
	handlers    map[JobType]JobHandler
	gatekeepers []Gatekeeper

	activeProducers  []Producer
	passiveProducers []Producer
	cacheProducers   []Producer

	inFlight sync.Map // accountID -> struct{}
	counters statusCounters

	mutex   sync.Mutex
	running bool
	mode    string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewController 创建同步引擎控制器并装配默认组件
func NewController(db *gorm.DB, cfg *config.Config, factory providers.ProviderFactory, store *storage.AttachmentStorage) *Controller {
	evictor := eviction.NewEngine(db, &cfg.Cache, store)

	c := &Controller{
		db:       db,
		cfg:      cfg,
		factory:  factory,
		evictor:  evictor,
		queue:    NewJobQueue(),
		mode:     ModePassive,
		handlers: make(map[JobType]JobHandler),
		gatekeepers: []Gatekeeper{
			NewReauthGatekeeper(db),
			NewQuotaGatekeeper(evictor, &cfg.Cache),
		},
	}

	c.handlers[JobTypeFolderList] = NewFolderListHandler(db, factory)
	c.handlers[JobTypeHeaderSync] = NewHeaderSyncHandler(db, factory, store, cfg.Sync.PageSize)
	c.handlers[JobTypeBodyFetch] = NewBodyFetchHandler(db, factory)
	c.handlers[JobTypeAttachmentFetch] = NewAttachmentFetchHandler(db, factory, store)
	c.handlers[JobTypeUpload] = NewUploadHandler(db, factory, c)
	c.handlers[JobTypeEviction] = NewEvictionHandler(evictor)

	c.activeProducers = []Producer{
		NewSyncProducer(db, true),
	}
	c.passiveProducers = []Producer{
		NewSyncProducer(db, false),
		NewBackfillProducer(db, cfg.Sync.BackfillAfter),
		NewBulkFetchProducer(db, cfg.Sync.BulkFetchBatch),
		NewUploadProducer(db),
	}
	c.cacheProducers = []Producer{
		NewEvictionProducer(evictor, &cfg.Cache),
	}

	return c
}

// Evictor 返回淘汰引擎（状态接口使用）
func (c *Controller) Evictor() *eviction.Engine {
	return c.evictor
}

// Submit 提交任务，准入检查通过后入队
// 重复任务静默去重，被否决的任务返回原因
func (c *Controller) Submit(job *Job) error {
	for _, gk := range c.gatekeepers {
		if err := gk.Admit(job); err != nil {
			c.counters.recordRejected()
			c.releasePending(job)
			log.Printf("Job %s rejected by %s gatekeeper: %v", job.Key(), gk.Name(), err)
			return fmt.Errorf("job rejected by %s gatekeeper: %w", gk.Name(), err)
		}
	}

	c.queue.Push(job)
	return nil
}

// releasePending 回滚被否决下载任务的进行中标记
// 标记留在库里会让生产者永远跳过这条消息，淘汰也不会碰它
func (c *Controller) releasePending(job *Job) {
	if job.EntityID == 0 {
		return
	}

	var err error
	switch job.Type {
	case JobTypeBodyFetch:
		err = c.db.Model(&models.Message{}).
			Where("id = ?", job.EntityID).
			Update("body_pending", false).Error
	case JobTypeAttachmentFetch:
		err = c.db.Model(&models.Attachment{}).
			Where("id = ?", job.EntityID).
			Update("download_pending", false).Error
	default:
		return
	}
	if err != nil {
		log.Printf("Failed to release pending flag for rejected job %s: %v", job.Key(), err)
	}
}

// Start 启动消费循环和任务生产定时器
func (c *Controller) Start(ctx context.Context) error {
	c.mutex.Lock()
	if c.running {
		c.mutex.Unlock()
		return fmt.Errorf("sync engine already running")
	}
	c.running = true
	c.counters.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mutex.Unlock()

	c.wg.Add(2)
	go c.consumeLoop(runCtx)
	go c.produceLoop(runCtx)

	// 启动时先补一轮全量生产，立即驱动落后的账户
	c.runProducers(runCtx, c.passiveProducers)

	log.Printf("Sync engine started: active=%v passive=%v", c.cfg.Sync.ActiveInterval, c.cfg.Sync.PassiveInterval)
	return nil
}

// Stop 停止引擎并等待在途任务完成
func (c *Controller) Stop() {
	c.mutex.Lock()
	if !c.running {
		c.mutex.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	c.queue.Close()
	c.wg.Wait()
	log.Printf("Sync engine stopped")
}

// consumeLoop 单消费者分发循环
func (c *Controller) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		job := c.queue.Pop()
		if job == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if job.AccountID != 0 {
			if _, busy := c.inFlight.LoadOrStore(job.AccountID, struct{}{}); busy {
				// 账户已有任务在执行，重排到队尾并让位片刻
				c.queue.Requeue(job)
				select {
				case <-ctx.Done():
					return
				case <-time.After(requeueYield):
				}
				continue
			}
		}

		c.wg.Add(1)
		go c.dispatch(ctx, job)
	}
}

// dispatch 执行单个任务，单个任务的panic不拖垮引擎
func (c *Controller) dispatch(ctx context.Context, job *Job) {
	defer c.wg.Done()
	defer func() {
		if job.AccountID != 0 {
			c.inFlight.Delete(job.AccountID)
		}
		if r := recover(); r != nil {
			c.counters.recordFailed(job.Key(), fmt.Sprintf("panic: %v", r))
			log.Printf("Job %s panicked: %v", job.Key(), r)
		}
	}()

	handler, ok := c.handlers[job.Type]
	if !ok {
		c.counters.recordFailed(job.Key(), "no handler registered")
		log.Printf("No handler registered for job type %s", job.Type)
		return
	}

	if err := handler.Handle(ctx, job); err != nil {
		c.counters.recordFailed(job.Key(), err.Error())
		log.Printf("Job %s failed: %v", job.Key(), err)
		return
	}

	c.counters.recordProcessed()
	if job.Type == JobTypeEviction {
		c.counters.recordEviction()
	}
}

// produceLoop 按轮询档位驱动任务生产
// 主动/被动两个定时器都在走，但只有当前档位的触发生效；
// 缓存水位检查与档位无关
func (c *Controller) produceLoop(ctx context.Context) {
	defer c.wg.Done()

	activeTicker := time.NewTicker(c.cfg.Sync.ActiveInterval)
	passiveTicker := time.NewTicker(c.cfg.Sync.PassiveInterval)
	cacheTicker := time.NewTicker(c.cfg.Cache.CheckInterval)
	defer activeTicker.Stop()
	defer passiveTicker.Stop()
	defer cacheTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-activeTicker.C:
			c.tick(ctx, ModeActive)
		case <-passiveTicker.C:
			c.tick(ctx, ModePassive)
		case <-cacheTicker.C:
			c.runProducers(ctx, c.cacheProducers)
		}
	}
}

// tick 某档定时器触发的一轮生产，非当前档位直接忽略
func (c *Controller) tick(ctx context.Context, mode string) {
	if c.Mode() != mode {
		return
	}
	if mode == ModeActive {
		c.runProducers(ctx, c.activeProducers)
	} else {
		c.runProducers(ctx, c.passiveProducers)
	}
}

// Mode 返回当前轮询档位
func (c *Controller) Mode() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.mode
}

// EnterForeground 切到前台主动档
func (c *Controller) EnterForeground() {
	c.setMode(ModeActive)
}

// EnterBackground 切回后台被动档
func (c *Controller) EnterBackground() {
	c.setMode(ModePassive)
}

func (c *Controller) setMode(mode string) {
	c.mutex.Lock()
	changed := c.mode != mode
	c.mode = mode
	c.mutex.Unlock()

	if changed {
		log.Printf("Sync engine switched to %s polling", mode)
	}
}

// runProducers 执行一组生产者并提交产出的任务
func (c *Controller) runProducers(ctx context.Context, producers []Producer) {
	for _, p := range producers {
		jobs, err := p.Produce(ctx)
		if err != nil {
			log.Printf("Producer %s failed: %v", p.Name(), err)
			continue
		}
		for _, job := range jobs {
			// 生产者产出的任务被否决是常态（配额暂停等），只记日志
			c.Submit(job)
		}
	}
}

// TriggerAccountSync 立即为账户排一轮完整同步
func (c *Controller) TriggerAccountSync(accountID uint) error {
	var account models.EmailAccount
	if err := c.db.First(&account, accountID).Error; err != nil {
		return fmt.Errorf("account %d not found: %w", accountID, err)
	}

	if err := c.Submit(NewFolderListJob(accountID)); err != nil {
		return err
	}

	var folders []models.Folder
	if err := c.db.Where("account_id = ? AND is_selectable = ?", accountID, true).Find(&folders).Error; err != nil {
		return fmt.Errorf("failed to load folders: %w", err)
	}
	for _, folder := range folders {
		c.Submit(NewHeaderSyncJob(accountID, folder.ID))
	}

	c.Submit(NewUploadJob(accountID))
	return nil
}

// ForceRefreshFolder 清空文件夹水位线并重新全量同步
func (c *Controller) ForceRefreshFolder(folderID uint) error {
	var folder models.Folder
	if err := c.db.First(&folder, folderID).Error; err != nil {
		return fmt.Errorf("folder %d not found: %w", folderID, err)
	}

	err := c.db.Model(&models.FolderSyncState{}).
		Where("folder_id = ?", folderID).
		Updates(map[string]interface{}{"page_token": "", "delta_token": ""}).Error
	if err != nil {
		return fmt.Errorf("failed to reset folder watermark: %w", err)
	}

	return c.Submit(NewHeaderSyncJob(folder.AccountID, folder.ID))
}

// Status 返回引擎状态快照
func (c *Controller) Status() *EngineStatus {
	processed, failed, rejected, lastError, lastEviction, startedAt := c.counters.snapshot()

	var inFlight []uint
	c.inFlight.Range(func(key, _ interface{}) bool {
		inFlight = append(inFlight, key.(uint))
		return true
	})

	usage, err := c.evictor.Usage()
	if err != nil {
		log.Printf("Failed to compute cache usage for status: %v", err)
	}

	c.mutex.Lock()
	running := c.running
	mode := c.mode
	c.mutex.Unlock()

	return &EngineStatus{
		Running:          running,
		Mode:             mode,
		LastError:        lastError,
		QueueDepth:       c.queue.Len(),
		InFlightAccounts: inFlight,
		JobsProcessed:    processed,
		JobsFailed:       failed,
		JobsRejected:     rejected,
		CacheUsageBytes:  usage,
		CacheQuotaBytes:  c.cfg.Cache.QuotaBytes,
		LastEvictionAt:   lastEviction,
		StartedAt:        startedAt,
	}
}
