package headless

import (
	"sync"

	"github.com/chromedp/cdproto/network"
)

// documentStatus keeps the HTTP status of the last main document response.
type documentStatus struct {
	mu   sync.Mutex
	code int
}

func (d *documentStatus) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.code = int(resp.Response.Status)
	d.mu.Unlock()
}

func (d *documentStatus) get() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.code
}
