package daemon

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpcloud/tail"

	"github.com/Chichichkin/ElasticLoggingAgent/internal/metrics"
)

const (
	DefaultScanInterval       = 30 * time.Second
	DefaultMinWorkers         = 2
	DefaultMaxWorkers         = 10
	DefaultFileQueueSize      = 50
	DefaultScaleUpThreshold   = 0.9
	DefaultScaleDownThreshold = 0.3
	DefaultScaleCheckInterval = 15 * time.Second
)

// Service tails every *.log file under a root directory and writes each line
// to a logger, labelled with where it came from.
//
// Files found by the first scan are read from their end. Files that appear
// later are read from the start. A file whose tail session ends (idle
// timeout, worker stopped) resumes from where it stopped the next time a
// scan queues it.
type Service struct {
	config    Config
	logger    *slog.Logger
	metrics   *metrics.Agent
	fileQueue chan string

	workers       []*worker
	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	stopOnce      sync.Once

	scaleMutex     sync.Mutex
	currentWorkers int
	busyWorkers    atomic.Int32

	mu          sync.Mutex
	scanned     bool
	seenFiles   map[string]struct{}
	activeFiles map[string]struct{}
	offsets     map[string]int64
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
	busy   atomic.Bool
}

type Config struct {
	LogRootPath   string
	ScanInterval  time.Duration
	MinWorkers    int
	MaxWorkers    int
	FileQueueSize int
	NodeName      string
	// A worker is added when files are waiting and at least this share of
	// workers is busy. default: 0.9
	ScaleUpThreshold float64
	// An idle worker is removed when no file is waiting and less than this
	// share of workers is busy. default: 0.3
	ScaleDownThreshold float64
	ScaleCheckInterval time.Duration
	// If > 0, stop tailing a file after this period without new lines.
	// The next scan picks it up again.
	FileIdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = DefaultMinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.FileQueueSize <= 0 {
		c.FileQueueSize = DefaultFileQueueSize
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = DefaultScaleUpThreshold
	}
	if c.ScaleDownThreshold <= 0 {
		c.ScaleDownThreshold = DefaultScaleDownThreshold
	}
	if c.ScaleCheckInterval <= 0 {
		c.ScaleCheckInterval = DefaultScaleCheckInterval
	}
	return c
}

// NewService always creates 2 + config.MinWorkers goroutines on Start(). A
// nil m gets unregistered collectors.
func NewService(ctx context.Context, config Config, logger *slog.Logger, m *metrics.Agent) *Service {
	config = config.withDefaults()
	nCtx, cancel := context.WithCancel(ctx)
	if m == nil {
		m = metrics.NewAgent(nil)
	}

	return &Service{
		config:      config,
		logger:      logger,
		metrics:     m,
		fileQueue:   make(chan string, config.FileQueueSize),
		workers:     make([]*worker, config.MaxWorkers),
		ctx:         nCtx,
		cancel:      cancel,
		seenFiles:   make(map[string]struct{}),
		activeFiles: make(map[string]struct{}),
		offsets:     make(map[string]int64),
	}
}

func (s *Service) Start() {
	log.Printf("Starting log daemon service: min workers=%d, max workers=%d, queue size=%d, root=%s",
		s.config.MinWorkers, s.config.MaxWorkers, s.config.FileQueueSize, s.config.LogRootPath)

	s.scaleMutex.Lock()
	for i := 0; i < s.config.MinWorkers; i++ {
		s.startWorkerLocked()
	}
	s.scaleMutex.Unlock()

	s.subServicesWg.Add(1)
	go s.scanner()

	s.subServicesWg.Add(1)
	go s.monitorAndScale()

	log.Println("Log daemon service started")
}

// Stop cancels every tail session and waits for the workers to return.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		log.Println("Stopping log daemon service...")
		s.cancel()

		s.subServicesWg.Wait()

		close(s.fileQueue)
		s.workersWg.Wait()

		log.Println("Log daemon service stopped")
	})
}

// Workers returns the number of running workers.
func (s *Service) Workers() int {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()
	return s.currentWorkers
}

func (s *Service) startWorkerLocked() bool {
	for id, w := range s.workers {
		if w != nil {
			continue
		}

		workerCtx, cancel := context.WithCancel(s.ctx)
		w = &worker{id: id, ctx: workerCtx, cancel: cancel}
		s.workers[id] = w
		s.currentWorkers++

		s.workersWg.Add(1)
		go s.worker(w)

		s.metrics.WorkersActive.Inc()
		return true
	}
	return false
}

// stopIdleWorkerLocked stops the highest numbered worker that is not
// tailing a file.
func (s *Service) stopIdleWorkerLocked() bool {
	for id := len(s.workers) - 1; id >= 0; id-- {
		w := s.workers[id]
		if w == nil || w.busy.Load() {
			continue
		}
		w.cancel()
		s.workers[id] = nil
		s.currentWorkers--

		s.metrics.WorkersActive.Dec()
		return true
	}
	return false
}

func (s *Service) worker(w *worker) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Worker %d panicked: %v", w.id, r)
		}
	}()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			w.busy.Store(true)
			s.busyWorkers.Add(1)
			s.metrics.WorkersBusy.Inc()

			s.processFile(w.ctx, filePath)

			s.metrics.WorkersBusy.Dec()
			s.busyWorkers.Add(-1)
			w.busy.Store(false)
			s.release(filePath)

		case <-w.ctx.Done():
			return
		}
	}
}

func (s *Service) processFile(ctx context.Context, filePath string) {
	defer s.metrics.FilesProcessed.Inc()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("File processing panicked for %s: %v", filePath, r)
			s.metrics.FilesFailed.Inc()
		}
	}()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: s.resumeOffset(filePath), Whence: io.SeekStart},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		log.Printf("Failed to tail file %s: %v", filePath, err)
		s.metrics.FilesFailed.Inc()
		return
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()
	defer func() {
		if offset, err := t.Tell(); err == nil {
			s.saveOffset(filePath, offset)
		}
	}()

	labels := s.labelAttrs(filePath)

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				log.Printf("Error reading from %s: %v", filePath, line.Err)
				continue
			}

			s.metrics.LinesRead.Inc()
			s.logger.LogAttrs(ctx, slog.LevelInfo, line.Text, labels...)
			lastActivity = time.Now()

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

// scanFiles queues every discovered file that is not already being tailed.
func (s *Service) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		log.Printf("Error discovering log files: %v", err)
		return
	}

	defer func() {
		s.mu.Lock()
		s.scanned = true
		s.mu.Unlock()
	}()

	for _, file := range files {
		if !s.claim(file) {
			continue
		}
		select {
		case s.fileQueue <- file:
		case <-s.ctx.Done():
			s.release(file)
			return

		default:
			s.release(file)
			log.Printf("File queue full (%d/%d), skipping %s",
				len(s.fileQueue), cap(s.fileQueue), file)
		}
	}
}

// claim marks file as queued or tailed. It reports false if it already was.
// The read offset of a new file is fixed here, so lines written while it
// waits in the queue are not skipped.
func (s *Service) claim(file string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seenFiles[file]; !ok {
		s.metrics.FilesDiscovered.Inc()
		s.seenFiles[file] = struct{}{}

		var offset int64
		if !s.scanned {
			if info, err := os.Stat(file); err == nil {
				offset = info.Size()
			}
		}
		s.offsets[file] = offset
	}
	if _, ok := s.activeFiles[file]; ok {
		return false
	}
	s.activeFiles[file] = struct{}{}
	return true
}

func (s *Service) release(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeFiles, file)
}

// resumeOffset returns where to start reading file. A file shorter than the
// saved offset was truncated and is read from the start.
func (s *Service) resumeOffset(file string) int64 {
	s.mu.Lock()
	offset := s.offsets[file]
	s.mu.Unlock()

	if info, err := os.Stat(file); err == nil && info.Size() < offset {
		return 0
	}
	return offset
}

func (s *Service) saveOffset(file string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[file] = offset
}

func (s *Service) monitorAndScale() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.adjustWorkers()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) adjustWorkers() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	queued := len(s.fileQueue)
	workerUtilization := 1.0
	if s.currentWorkers > 0 {
		workerUtilization = float64(s.busyWorkers.Load()) / float64(s.currentWorkers)
	}

	switch {
	case queued > 0 && workerUtilization >= s.config.ScaleUpThreshold && s.currentWorkers < s.config.MaxWorkers:
		if s.startWorkerLocked() {
			s.metrics.ScaleUps.Inc()
			log.Printf("Scaled up to %d workers (queued files: %d)", s.currentWorkers, queued)
		}
	case queued == 0 && workerUtilization < s.config.ScaleDownThreshold && s.currentWorkers > s.config.MinWorkers:
		if s.stopIdleWorkerLocked() {
			s.metrics.ScaleDowns.Inc()
			log.Printf("Scaled down to %d workers", s.currentWorkers)
		}
	}
}

func (s *Service) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Printf("Error accessing path %s: %v", path, err)
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads the kubelet layout <namespace>_<pod>_<uid>/<container>/
// relative to the root. Paths that do not follow it only get node and file.
func (s *Service) extractLabels(filePath string) map[string]string {
	labels := map[string]string{
		"node": s.config.NodeName,
		"file": filepath.Base(filePath),
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return labels
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return labels
	}

	podParts := strings.Split(parts[0], "_")
	if len(podParts) >= 3 {
		labels["namespace"] = podParts[0]
		labels["pod"] = podParts[1]
		labels["pod_uid"] = podParts[2]
	}
	labels["container"] = parts[1]

	return labels
}

func (s *Service) labelAttrs(filePath string) []slog.Attr {
	labels := s.extractLabels(filePath)
	attrs := make([]slog.Attr, 0, len(labels))
	for _, key := range []string{"node", "namespace", "pod", "pod_uid", "container", "file"} {
		if v, ok := labels[key]; ok {
			attrs = append(attrs, slog.String(key, v))
		}
	}
	return attrs
}
