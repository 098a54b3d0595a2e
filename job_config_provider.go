package mqkit

import (
	"strings"
	"sync"
)

// NeverStale 表示任务永不过期。
const NeverStale = -1

// TimeBeforeStale 任务过期阈值（秒）。Jobs 的键可以是完整任务名或名称前缀。
type TimeBeforeStale struct {
	Default int            `yaml:"default"`
	Jobs    map[string]int `yaml:"jobs"`
}

// IsZero 未配置任何阈值。
func (t TimeBeforeStale) IsZero() bool { return t.Default == 0 && len(t.Jobs) == 0 }

// JobConfigurationProvider 按任务名解析过期阈值。
type JobConfigurationProvider struct {
	mu  sync.RWMutex
	cfg TimeBeforeStale
}

func NewJobConfigurationProvider() *JobConfigurationProvider { return &JobConfigurationProvider{} }

func (p *JobConfigurationProvider) SetConfiguration(cfg TimeBeforeStale) {
	jobs := make(map[string]int, len(cfg.Jobs))
	for k, v := range cfg.Jobs {
		jobs[k] = v
	}
	p.mu.Lock()
	p.cfg = TimeBeforeStale{Default: cfg.Default, Jobs: jobs}
	p.mu.Unlock()
}

// TimeBeforeStaleForJobName 依次匹配完整名称、最长前缀、默认值。
// 返回 NeverStale 表示不过期；未配置时默认值 0 同样视为不过期。
func (p *JobConfigurationProvider) TimeBeforeStaleForJobName(name string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.cfg.Jobs[name]; ok {
		return normalizeStale(v)
	}
	best, found := "", false
	for prefix := range p.cfg.Jobs {
		if strings.HasPrefix(name, prefix) && len(prefix) > len(best) {
			best, found = prefix, true
		}
	}
	if found {
		return normalizeStale(p.cfg.Jobs[best])
	}
	return normalizeStale(p.cfg.Default)
}

func normalizeStale(v int) int {
	if v <= 0 {
		return NeverStale
	}
	return v
}
