package postfix

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailforge/backend/internal/config"
)

// fakeControl 内存版 Control，记录每一步操作顺序
type fakeControl struct {
	files      map[string][]byte
	ops        []string
	writeErr   error
	reloadErr  error
	restartErr error
}

func newFakeControl() *fakeControl {
	return &fakeControl{files: map[string][]byte{}}
}

func (f *fakeControl) WriteConfigFile(path string, content []byte) error {
	f.ops = append(f.ops, "write:"+path)
	if f.writeErr != nil {
		return f.writeErr
	}
	f.files[path] = content
	return nil
}

func (f *fakeControl) ReadConfigFile(path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return content, nil
}

func (f *fakeControl) ReloadService(ctx context.Context, name string) error {
	f.ops = append(f.ops, "reload:"+name)
	return f.reloadErr
}

func (f *fakeControl) RestartService(ctx context.Context, name string) error {
	f.ops = append(f.ops, "restart:"+name)
	return f.restartErr
}

func testPostfixConfig() config.PostfixConfig {
	return config.PostfixConfig{
		MainConfigPath:   "/etc/postfix/main.cf",
		VirtualDomains:   "/etc/postfix/virtual_domains",
		VirtualMailboxes: "/etc/postfix/virtual_mailboxes",
		VirtualAliases:   "/etc/postfix/virtual_aliases",
		BackupDir:        "/var/backups/postfix",
	}
}

func testBundle() *ConfigBundle {
	return &ConfigBundle{
		MainCF:           "myhostname = mail.example.com\n",
		VirtualDomains:   "example.com\tOK\n",
		VirtualMailboxes: "alice@example.com\texample.com/alice/\n",
		VirtualAliases:   "",
	}
}

func TestApplyFirstDeploy(t *testing.T) {
	control := newFakeControl()
	applier := NewApplier(testPostfixConfig(), control, nil, zap.NewNop())

	result, err := applier.Apply(context.Background(), testBundle(), false)
	require.NoError(t, err)

	// 首次下发没有可备份的旧文件
	assert.Empty(t, result.BackedUp)
	assert.Len(t, result.Written, 4)
	assert.False(t, result.Restarted)
	assert.Equal(t, []byte("example.com\tOK\n"), control.files["/etc/postfix/virtual_domains"])
	assert.Equal(t, "reload:postfix", control.ops[len(control.ops)-1])
}

func TestApplyBacksUpBeforeWrite(t *testing.T) {
	control := newFakeControl()
	control.files["/etc/postfix/main.cf"] = []byte("old config\n")
	applier := NewApplier(testPostfixConfig(), control, nil, zap.NewNop())

	result, err := applier.Apply(context.Background(), testBundle(), false)
	require.NoError(t, err)

	require.Len(t, result.BackedUp, 1)
	assert.True(t, strings.HasPrefix(result.BackedUp[0], "/var/backups/postfix/main.cf."))
	assert.True(t, strings.HasSuffix(result.BackedUp[0], ".bak"))
	assert.Equal(t, []byte("old config\n"), control.files[result.BackedUp[0]])

	// 备份写入先于目标文件写入
	backupIdx, targetIdx := -1, -1
	for i, op := range control.ops {
		if strings.HasPrefix(op, "write:/var/backups/") && backupIdx < 0 {
			backupIdx = i
		}
		if op == "write:/etc/postfix/main.cf" {
			targetIdx = i
		}
	}
	require.GreaterOrEqual(t, backupIdx, 0)
	assert.Less(t, backupIdx, targetIdx)
}

func TestApplyForceRestart(t *testing.T) {
	control := newFakeControl()
	applier := NewApplier(testPostfixConfig(), control, nil, zap.NewNop())

	result, err := applier.Apply(context.Background(), testBundle(), true)
	require.NoError(t, err)
	assert.True(t, result.Restarted)
	assert.Equal(t, "restart:postfix", control.ops[len(control.ops)-1])
}

func TestApplyWriteFailure(t *testing.T) {
	control := newFakeControl()
	control.writeErr = errors.New("disk full")
	applier := NewApplier(testPostfixConfig(), control, nil, zap.NewNop())

	_, err := applier.Apply(context.Background(), testBundle(), false)
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageWrite, stageErr.Stage)

	// 写入失败后不会触碰服务
	for _, op := range control.ops {
		assert.NotContains(t, op, "reload")
		assert.NotContains(t, op, "restart")
	}
}

func TestApplyReloadFailure(t *testing.T) {
	control := newFakeControl()
	control.reloadErr = errors.New("postfix.service not loaded")
	applier := NewApplier(testPostfixConfig(), control, nil, zap.NewNop())

	_, err := applier.Apply(context.Background(), testBundle(), false)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageReload, stageErr.Stage)
	assert.ErrorIs(t, err, control.reloadErr)
}

func TestApplyRestartFailure(t *testing.T) {
	control := newFakeControl()
	control.restartErr = errors.New("unit failed")
	applier := NewApplier(testPostfixConfig(), control, nil, zap.NewNop())

	_, err := applier.Apply(context.Background(), testBundle(), true)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageRestart, stageErr.Stage)
}
