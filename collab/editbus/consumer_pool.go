package editbus

import (
	"context"
	"sync"
)

// consumerPool은 하나의 소비자 그룹을 공유하는 소비자 고루틴 집합입니다.
// 실행 중에 크기를 바꿀 수 있습니다.
type consumerPool struct {
	run func(ctx context.Context, index int)

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers []context.CancelFunc
	wg      sync.WaitGroup
}

func newConsumerPool(run func(ctx context.Context, index int)) *consumerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &consumerPool{run: run, ctx: ctx, cancel: cancel}
}

// Resize는 풀을 n개의 소비자로 늘리거나 줄입니다.
func (p *consumerPool) Resize(n int) {
	if n < 0 {
		n = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return
	}
	for len(p.workers) < n {
		ctx, cancel := context.WithCancel(p.ctx)
		index := len(p.workers)
		p.workers = append(p.workers, cancel)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, index)
		}()
	}
	for len(p.workers) > n {
		last := len(p.workers) - 1
		p.workers[last]()
		p.workers = p.workers[:last]
	}
}

// Size는 실행 중인 소비자 수를 반환합니다.
func (p *consumerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Stop은 모든 소비자를 취소하고 종료될 때까지 기다립니다.
func (p *consumerPool) Stop() {
	p.mu.Lock()
	p.cancel()
	p.workers = nil
	p.mu.Unlock()

	p.wg.Wait()
}

// routeTable은 공유 토픽을 문서 ID별로 분배합니다.
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]Delivery
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]Delivery)}
}

func (r *routeTable) set(documentID string, deliver Delivery) {
	r.mu.Lock()
	r.routes[documentID] = deliver
	r.mu.Unlock()
}

func (r *routeTable) remove(documentID string) {
	r.mu.Lock()
	delete(r.routes, documentID)
	r.mu.Unlock()
}

// lookup은 documentID를 구독하는 로컬 세션이 없으면 nil을 반환합니다.
func (r *routeTable) lookup(documentID string) Delivery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes[documentID]
}
