package postfix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailforge/backend/internal/config"
	"mailforge/backend/internal/monitoring"
)

// 各个可能失败的阶段。阶段名出现在错误里，调用方据此判断回滚点。
const (
	StageBackup  = "backup"
	StageWrite   = "write"
	StageReload  = "reload"
	StageRestart = "restart"
)

const serviceName = "postfix"

// StageError 带阶段标记的下发失败
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("postfix apply failed at %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ApplyResult 一次下发的执行记录
type ApplyResult struct {
	BackedUp  []string  `json:"backed_up"`
	Written   []string  `json:"written"`
	Restarted bool      `json:"restarted"`
	AppliedAt time.Time `json:"applied_at"`
}

// Applier 把渲染好的配置落盘并让 Postfix 生效。
//
// 下发全程持锁：并发的 Apply 调用串行执行，避免两次下发交错
// 产生半旧半新的配置文件组合。
type Applier struct {
	mu      sync.Mutex
	cfg     config.PostfixConfig
	control Control
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewApplier 创建配置下发器
func NewApplier(cfg config.PostfixConfig, control Control, metrics *monitoring.Metrics, log *zap.Logger) *Applier {
	if control == nil {
		control = ExecControl{}
	}
	return &Applier{
		cfg:     cfg,
		control: control,
		metrics: metrics,
		log:     log,
	}
}

// Apply 备份现有配置、写入新配置、reload（或 restart）Postfix。
// forceRestart 为 true 时跳过 reload 直接 restart。
// 返回的错误总是 *StageError，标记失败发生在哪个阶段。
func (a *Applier) Apply(ctx context.Context, bundle *ConfigBundle, forceRestart bool) (*ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	targets := []struct {
		path    string
		content string
	}{
		{a.cfg.MainConfigPath, bundle.MainCF},
		{a.cfg.VirtualDomains, bundle.VirtualDomains},
		{a.cfg.VirtualMailboxes, bundle.VirtualMailboxes},
		{a.cfg.VirtualAliases, bundle.VirtualAliases},
	}

	result := &ApplyResult{AppliedAt: time.Now().UTC()}

	// 阶段一：备份。失败则一个字节都不写。
	stamp := result.AppliedAt.Format("20060102T150405")
	for _, t := range targets {
		backupPath, err := a.backupFile(t.path, stamp)
		if err != nil {
			a.recordApply(StageBackup, false)
			return nil, &StageError{Stage: StageBackup, Err: err}
		}
		if backupPath != "" {
			result.BackedUp = append(result.BackedUp, backupPath)
		}
	}

	// 阶段二：写入
	for _, t := range targets {
		if err := a.control.WriteConfigFile(t.path, []byte(t.content)); err != nil {
			a.recordApply(StageWrite, false)
			return nil, &StageError{Stage: StageWrite, Err: fmt.Errorf("write %s: %w", t.path, err)}
		}
		result.Written = append(result.Written, t.path)
	}

	// 阶段三：生效
	if forceRestart {
		if err := a.control.RestartService(ctx, serviceName); err != nil {
			a.recordApply(StageRestart, false)
			return nil, &StageError{Stage: StageRestart, Err: err}
		}
		result.Restarted = true
	} else {
		if err := a.control.ReloadService(ctx, serviceName); err != nil {
			a.recordApply(StageReload, false)
			return nil, &StageError{Stage: StageReload, Err: err}
		}
	}

	a.recordApply("", true)
	a.log.Info("postfix configuration applied",
		zap.Strings("written", result.Written),
		zap.Int("backed_up", len(result.BackedUp)),
		zap.Bool("restarted", result.Restarted),
	)
	return result, nil
}

// backupFile 把现有文件拷贝到备份目录。文件不存在不算错误（首次下发）。
func (a *Applier) backupFile(path, stamp string) (string, error) {
	content, err := a.control.ReadConfigFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	backupPath := filepath.Join(a.cfg.BackupDir, fmt.Sprintf("%s.%s.bak", filepath.Base(path), stamp))
	if err := a.control.WriteConfigFile(backupPath, content); err != nil {
		return "", fmt.Errorf("backup %s: %w", path, err)
	}
	return backupPath, nil
}

func (a *Applier) recordApply(failedStage string, ok bool) {
	if a.metrics == nil {
		return
	}
	if ok {
		a.metrics.PostfixApplies.WithLabelValues("success").Inc()
		return
	}
	a.metrics.PostfixApplies.WithLabelValues(failedStage).Inc()
}
