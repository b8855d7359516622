package workflow

import "sync"

// Control 是一次执行的控制句柄，支持暂停、恢复与取消。
// 暂停是协作式的：进行中的步骤继续跑完，后续步骤不再派发。
type Control struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	cancelCh  chan struct{}
}

func NewControl() *Control {
	return &Control{cancelCh: make(chan struct{})}
}

// Pause 请求引擎在进行中的步骤结束后挂起执行。
func (c *Control) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume 清除暂停标记，重新调度由服务层负责。
func (c *Control) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// Cancel 请求终止执行，进行中的步骤会被打断。
func (c *Control) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return
	}
	c.cancelled = true
	close(c.cancelCh)
}

func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused && !c.cancelled
}

func (c *Control) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Done 返回在取消时关闭的通道。
func (c *Control) Done() <-chan struct{} {
	return c.cancelCh
}

// Hub 按工作流 ID 登记正在执行的控制句柄，供服务层转发控制请求。
type Hub struct {
	mu       sync.Mutex
	controls map[string]*Control
}

func NewHub() *Hub {
	return &Hub{controls: make(map[string]*Control)}
}

// Register 为工作流登记新的控制句柄，已存在时返回 false。
func (h *Hub) Register(id string) (*Control, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.controls[id]; exists {
		return nil, false
	}
	control := NewControl()
	h.controls[id] = control
	return control, true
}

// Release 注销工作流的控制句柄。
func (h *Hub) Release(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.controls, id)
}

// Get 返回正在执行的工作流的控制句柄。
func (h *Hub) Get(id string) (*Control, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	control, exists := h.controls[id]
	return control, exists
}
