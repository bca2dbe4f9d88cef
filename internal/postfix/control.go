package postfix

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Control 抽象对 MTA 进程和配置文件的实际操作。
// 生产环境用 ExecControl 直接操作系统，测试用假实现。
type Control interface {
	// WriteConfigFile 原子地写配置文件
	WriteConfigFile(path string, content []byte) error
	// ReadConfigFile 读取现有配置，文件不存在返回 os.ErrNotExist
	ReadConfigFile(path string) ([]byte, error)
	// ReloadService 让服务重新加载配置
	ReloadService(ctx context.Context, name string) error
	// RestartService 完全重启服务
	RestartService(ctx context.Context, name string) error
}

// ExecControl 通过 systemctl 操作真实系统
type ExecControl struct{}

// WriteConfigFile 先写临时文件再 rename，避免服务读到半截配置
func (ExecControl) WriteConfigFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadConfigFile 读取现有配置
func (ExecControl) ReadConfigFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ReloadService systemctl reload
func (ExecControl) ReloadService(ctx context.Context, name string) error {
	return runSystemctl(ctx, "reload", name)
}

// RestartService systemctl restart
func (ExecControl) RestartService(ctx context.Context, name string) error {
	return runSystemctl(ctx, "restart", name)
}

func runSystemctl(ctx context.Context, action, name string) error {
	cmd := exec.CommandContext(ctx, "systemctl", action, name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl %s %s: %w: %s", action, name, err, string(output))
	}
	return nil
}
