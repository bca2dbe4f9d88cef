package service

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailforge/backend/internal/dkim"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/storage/memory"
)

// promauto 注册进全局 registry，整个测试二进制只创建一次
var testMetrics = monitoring.NewMetrics()

func newIdentityService() *IdentityService {
	return NewIdentityService(memory.NewStore(), dkim.NewGenerator(), "203.0.113.10", nil, zap.NewNop())
}

func TestCreateForDomain(t *testing.T) {
	svc := newIdentityService()

	d, err := svc.CreateForDomain("Example.COM")
	require.NoError(t, err)
	require.NotNil(t, d.Identity)

	// 域名归一化为小写
	assert.Equal(t, "example.com", d.Name)
	assert.Equal(t, "example.com", d.Identity.DomainName)

	// 新域名默认未激活，密钥材料齐全
	assert.False(t, d.Identity.Active)
	assert.NotEmpty(t, d.Identity.DKIMSelector)
	assert.NotEmpty(t, d.Identity.DKIMPrivateKey)
	assert.Contains(t, d.Identity.DKIMTxtRecord, "v=DKIM1")
	assert.Contains(t, d.Identity.SPFRecord, "ip4:203.0.113.10")
	assert.Equal(t, "mail.example.com", d.Identity.MXRecord)
}

func TestCreateForDomainIdempotent(t *testing.T) {
	svc := newIdentityService()

	first, err := svc.CreateForDomain("example.com")
	require.NoError(t, err)

	// 重复创建必须返回同一身份，不能生成新密钥
	second, err := svc.CreateForDomain("example.com")
	require.NoError(t, err)
	assert.Equal(t, first.Identity.DKIMSelector, second.Identity.DKIMSelector)
	assert.Equal(t, first.Identity.DKIMPrivateKey, second.Identity.DKIMPrivateKey)
}

func TestCreateForDomainConcurrent(t *testing.T) {
	store := memory.NewStore()
	svc := NewIdentityService(store, dkim.NewGenerator(), "203.0.113.10", nil, zap.NewNop())

	// RSA 生成耗时足以让所有协程都先通过存在性检查，
	// 竞争在唯一索引处收敛：输家必须拿到赢家写入的身份
	const callers = 8
	results := make([]*domain.HostedDomain, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.CreateForDomain("example.com")
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		require.NotNil(t, results[i].Identity, "caller %d", i)
	}

	// 恰好持久化一个域名，所有调用方看到同一套密钥
	domains, err := svc.List()
	require.NoError(t, err)
	require.Len(t, domains, 1)

	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0].Identity.DKIMSelector, results[i].Identity.DKIMSelector, "caller %d", i)
		assert.Equal(t, results[0].Identity.DKIMPrivateKey, results[i].Identity.DKIMPrivateKey, "caller %d", i)
	}
}

func TestIdentityMetrics(t *testing.T) {
	svc := NewIdentityService(memory.NewStore(), dkim.NewGenerator(), "203.0.113.10", testMetrics, zap.NewNop())

	created := testutil.ToFloat64(testMetrics.DomainsCreated)
	rotated := testutil.ToFloat64(testMetrics.DKIMRotations)
	deleted := testutil.ToFloat64(testMetrics.DomainsDeleted)

	_, err := svc.CreateForDomain("example.com")
	require.NoError(t, err)
	assert.Equal(t, created+1, testutil.ToFloat64(testMetrics.DomainsCreated))

	// 幂等返回已有身份不算新建
	_, err = svc.CreateForDomain("example.com")
	require.NoError(t, err)
	assert.Equal(t, created+1, testutil.ToFloat64(testMetrics.DomainsCreated))

	_, err = svc.Rotate("example.com")
	require.NoError(t, err)
	assert.Equal(t, rotated+1, testutil.ToFloat64(testMetrics.DKIMRotations))

	require.NoError(t, svc.Delete("example.com"))
	assert.Equal(t, deleted+1, testutil.ToFloat64(testMetrics.DomainsDeleted))

	// 删除不存在的域名不计数
	assert.ErrorIs(t, svc.Delete("example.com"), ErrDomainNotConfigured)
	assert.Equal(t, deleted+1, testutil.ToFloat64(testMetrics.DomainsDeleted))
}

func TestCreateForDomainInvalidName(t *testing.T) {
	svc := newIdentityService()

	for _, name := range []string{"", "no_tld", "-bad.com", "exa mple.com"} {
		_, err := svc.CreateForDomain(name)
		assert.ErrorIs(t, err, ErrInvalidDomainName, "name=%q", name)
	}
}

func TestUpdateVerificationAutoActivates(t *testing.T) {
	svc := newIdentityService()
	_, err := svc.CreateForDomain("example.com")
	require.NoError(t, err)

	yes := true

	// 两项通过还不激活
	id, err := svc.UpdateVerification("example.com", domain.VerificationUpdate{
		DKIMVerified: &yes, SPFVerified: &yes,
	})
	require.NoError(t, err)
	assert.False(t, id.Active)

	// 第三项通过后自动激活
	id, err = svc.UpdateVerification("example.com", domain.VerificationUpdate{MXVerified: &yes})
	require.NoError(t, err)
	assert.True(t, id.Active)
}

func TestUpdateVerificationExplicitActiveWins(t *testing.T) {
	svc := newIdentityService()
	_, err := svc.CreateForDomain("example.com")
	require.NoError(t, err)

	yes, no := true, false

	// 显式 Active=false 抑制自动激活
	id, err := svc.UpdateVerification("example.com", domain.VerificationUpdate{
		DKIMVerified: &yes, SPFVerified: &yes, MXVerified: &yes, Active: &no,
	})
	require.NoError(t, err)
	assert.False(t, id.Active)
	assert.True(t, id.DKIMVerified)
}

func TestRotate(t *testing.T) {
	svc := newIdentityService()
	created, err := svc.CreateForDomain("example.com")
	require.NoError(t, err)

	yes := true
	_, err = svc.UpdateVerification("example.com", domain.VerificationUpdate{
		DKIMVerified: &yes, SPFVerified: &yes, MXVerified: &yes,
	})
	require.NoError(t, err)

	rotated, err := svc.Rotate("example.com")
	require.NoError(t, err)

	// 轮换换 selector 和密钥，DKIM 验证状态归零
	assert.NotEqual(t, created.Identity.DKIMPrivateKey, rotated.DKIMPrivateKey)
	assert.False(t, rotated.DKIMVerified)
	assert.NotNil(t, rotated.RotatedAt)

	// 激活状态与其余验证标记保留
	assert.True(t, rotated.Active)
	assert.True(t, rotated.SPFVerified)
}

func TestRotateUnknownDomain(t *testing.T) {
	svc := newIdentityService()
	_, err := svc.Rotate("missing.com")
	assert.ErrorIs(t, err, ErrDomainNotConfigured)
}

func TestIsHostedDomain(t *testing.T) {
	svc := newIdentityService()
	_, err := svc.CreateForDomain("example.com")
	require.NoError(t, err)

	// 未激活的域名不算托管生效
	assert.False(t, svc.IsHostedDomain("example.com"))

	yes := true
	_, err = svc.UpdateVerification("example.com", domain.VerificationUpdate{Active: &yes})
	require.NoError(t, err)

	assert.True(t, svc.IsHostedDomain("example.com"))
	assert.True(t, svc.IsHostedDomain("EXAMPLE.com"))
	assert.False(t, svc.IsHostedDomain("other.com"))
}

func TestDeleteDomain(t *testing.T) {
	svc := newIdentityService()
	_, err := svc.CreateForDomain("example.com")
	require.NoError(t, err)

	require.NoError(t, svc.Delete("example.com"))

	_, err = svc.GetByName("example.com")
	assert.ErrorIs(t, err, ErrDomainNotConfigured)

	assert.ErrorIs(t, svc.Delete("example.com"), ErrDomainNotConfigured)
}

func TestSetupInstructions(t *testing.T) {
	svc := newIdentityService()
	d, err := svc.CreateForDomain("example.com")
	require.NoError(t, err)

	instructions := svc.SetupInstructions(d.Identity)
	require.Len(t, instructions.Steps, 4)

	purposes := make([]string, 0, 4)
	for _, step := range instructions.Steps {
		purposes = append(purposes, step.Purpose)
	}
	assert.Equal(t, []string{"dkim", "spf", "mx", "dmarc"}, purposes)

	// DKIM 记录挂在 selector._domainkey 下
	assert.Equal(t, d.Identity.DKIMSelector+"._domainkey", instructions.Steps[0].Host)
	assert.Equal(t, "_dmarc", instructions.Steps[3].Host)
}
