package mqkit

import (
	"context"
	"sort"
	"sync"
)

// Resetter 由持有请求级状态的服务实现，每条消息处理后清理。
type Resetter interface {
	Reset()
}

// ServiceContainer 按名称登记需要在消息之间重置的服务。
type ServiceContainer struct {
	mu       sync.RWMutex
	services map[string]Resetter
}

func NewServiceContainer() *ServiceContainer {
	return &ServiceContainer{services: map[string]Resetter{}}
}

func (c *ServiceContainer) Set(name string, svc Resetter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = svc
}

func (c *ServiceContainer) Get(name string) (Resetter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[name]
	return s, ok
}

func (c *ServiceContainer) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.services))
	for n := range c.services {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ContainerClearer 重置容器中除持久服务外的所有服务。
type ContainerClearer struct {
	container *ServiceContainer

	mu         sync.RWMutex
	persistent map[string]bool
}

func NewContainerClearer(container *ServiceContainer) *ContainerClearer {
	return &ContainerClearer{container: container, persistent: map[string]bool{}}
}

// SetPersistentServices 设置跨消息保留状态的服务，覆盖之前的设置。
func (c *ContainerClearer) SetPersistentServices(names []string) {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	c.mu.Lock()
	c.persistent = m
	c.mu.Unlock()
}

func (c *ContainerClearer) IsPersistent(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.persistent[name]
}

// Clear 重置非持久服务，返回被重置的服务名。
func (c *ContainerClearer) Clear() []string {
	var reset []string
	for _, name := range c.container.Names() {
		if c.IsPersistent(name) {
			continue
		}
		if svc, ok := c.container.Get(name); ok {
			svc.Reset()
			reset = append(reset, name)
		}
	}
	return reset
}

// ContainerResetExtension 每条消息处理后清理容器，持久处理器除外。
type ContainerResetExtension struct {
	BaseExtension
	clearer *ContainerClearer

	mu         sync.RWMutex
	persistent map[string]bool
}

func NewContainerResetExtension(clearer *ContainerClearer) *ContainerResetExtension {
	return &ContainerResetExtension{clearer: clearer, persistent: map[string]bool{}}
}

// SetPersistentProcessors 设置无需清理容器即可连续运行的处理器。
func (e *ContainerResetExtension) SetPersistentProcessors(names []string) {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	e.mu.Lock()
	e.persistent = m
	e.mu.Unlock()
}

func (e *ContainerResetExtension) isPersistent(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.persistent[name]
}

func (e *ContainerResetExtension) OnPostReceived(ctx context.Context, c *Context) {
	if e.isPersistent(c.ProcessorName) {
		return
	}
	if reset := e.clearer.Clear(); len(reset) > 0 {
		c.Logger.Debug(ctx, "container reset", "processor", c.ProcessorName, "services", reset)
	}
}
