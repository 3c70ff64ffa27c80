// Package worker owns the long-lived goroutines of the node: the chain
// goroutine that serializes every state mutation, the timer loop, the
// connect loop, mining, and the periodic peer-file save.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/askcoin/askcoin/foundation/blockchain/p2p"
	"github.com/askcoin/askcoin/foundation/blockchain/peer"
	"github.com/askcoin/askcoin/foundation/blockchain/state"
	"github.com/lightningnetwork/lnd/ticker"
)

// Loop intervals.
const (
	timerInterval    = time.Second
	connectInterval  = 5 * time.Second
	peerFileInterval = time.Minute
)

// Config represents the configuration for the worker.
type Config struct {
	Node      *p2p.Node
	Registry  *peer.Registry
	PeerFile  string
	MaxActive uint32
	Mine      bool
	EvHandler state.EventHandler
}

// Worker manages the background machinery of the node and implements the
// state.Worker interface.
type Worker struct {
	state     *state.State
	node      *p2p.Node
	registry  *peer.Registry
	peerFile  string
	maxActive uint32
	ev        state.EventHandler

	wg             sync.WaitGroup
	shut           chan struct{}
	timerTicker    ticker.Ticker
	connectTicker  ticker.Ticker
	peerFileTicker ticker.Ticker

	miningOn     bool
	startMining  chan bool
	cancelMining chan bool
}

// Run creates a worker, registers it with the state, and starts all the
// background goroutines.
func Run(st *state.State, cfg Config) *Worker {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	w := Worker{
		state:     st,
		node:      cfg.Node,
		registry:  cfg.Registry,
		peerFile:  cfg.PeerFile,
		maxActive: cfg.MaxActive,
		ev:        ev,

		shut:           make(chan struct{}),
		timerTicker:    ticker.New(timerInterval),
		connectTicker:  ticker.New(connectInterval),
		peerFileTicker: ticker.New(peerFileInterval),

		miningOn:     cfg.Mine,
		startMining:  make(chan bool, 1),
		cancelMining: make(chan bool, 1),
	}

	st.Worker = &w

	operations := []func(){
		w.chainOperations,
		w.timerOperations,
		w.connectOperations,
		w.peerFileOperations,
	}
	if cfg.Mine {
		operations = append(operations, w.miningOperations)
	}

	g := len(operations)
	w.wg.Add(g)

	hasStarted := make(chan bool)
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	for i := 0; i < g; i++ {
		<-hasStarted
	}

	w.timerTicker.Resume()
	w.connectTicker.Resume()
	w.peerFileTicker.Resume()

	return &w
}

// =============================================================================
// These methods implement the state.Worker interface.

// Shutdown terminates all the background goroutines.
func (w *Worker) Shutdown() {
	w.ev("worker: Shutdown: started")
	defer w.ev("worker: Shutdown: completed")

	w.timerTicker.Stop()
	w.connectTicker.Stop()
	w.peerFileTicker.Stop()

	w.SignalCancelMining()

	close(w.shut)
	w.wg.Wait()
}

// SignalStartMining resumes mining after a cancel.
func (w *Worker) SignalStartMining() {
	select {
	case w.startMining <- true:
	default:
	}
}

// SignalCancelMining stops the in-flight proof-of-work search.
func (w *Worker) SignalCancelMining() {
	select {
	case w.cancelMining <- true:
	default:
	}
}

// =============================================================================

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}

// chainOperations drains the serialized chain queue. Every world-state
// mutation in the node runs on this goroutine.
func (w *Worker) chainOperations() {
	w.ev("worker: chainOperations: G started")
	defer w.ev("worker: chainOperations: G completed")

	for {
		select {
		case work := <-w.state.ChainQueue():
			work()
		case <-w.shut:
			return
		}
	}
}

// timerOperations drives both timer controllers once a second: the p2p
// node's own timers and the chain timers, which drain on the chain
// goroutine.
func (w *Worker) timerOperations() {
	w.ev("worker: timerOperations: G started")
	defer w.ev("worker: timerOperations: G completed")

	for {
		select {
		case <-w.timerTicker.Ticks():
			if w.node != nil {
				w.node.RunTimers()
			}
			w.state.EnqueueTick()
		case <-w.shut:
			return
		}
	}
}

// connectOperations scans the score set every few seconds and dials the
// best free candidate, blocking at most the dial timeout.
func (w *Worker) connectOperations() {
	w.ev("worker: connectOperations: G started")
	defer w.ev("worker: connectOperations: G completed")

	for {
		select {
		case <-w.connectTicker.Ticks():
			if !w.isShutdown() {
				w.runConnectOperation()
			}
		case <-w.shut:
			return
		}
	}
}

// runConnectOperation performs one pass of the connect loop.
func (w *Worker) runConnectOperation() {
	if w.node == nil {
		return
	}

	if uint32(w.node.RegisteredCount()) >= w.maxActive {
		return
	}

	entry, found := w.registry.PickCandidate()
	if !found {
		return
	}

	if err := w.node.Dial(entry); err != nil {
		w.ev("worker: runConnectOperation: %s", err)
	}
}

// peerFileOperations persists the known peer list periodically so a
// restarted node can rejoin the network.
func (w *Worker) peerFileOperations() {
	w.ev("worker: peerFileOperations: G started")
	defer w.ev("worker: peerFileOperations: G completed")

	for {
		select {
		case <-w.peerFileTicker.Ticks():
			if w.peerFile == "" {
				continue
			}
			if err := w.registry.SaveFile(w.peerFile); err != nil {
				w.ev("worker: peerFileOperations: save: ERROR: %s", err)
			}
		case <-w.shut:
			return
		}
	}
}

// miningOperations keeps solving and committing blocks until shutdown.
func (w *Worker) miningOperations() {
	w.ev("worker: miningOperations: G started")
	defer w.ev("worker: miningOperations: G completed")

	for {
		if w.isShutdown() {
			return
		}

		if !w.miningOn {
			select {
			case <-w.startMining:
				w.miningOn = true
			case <-w.shut:
				return
			}
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- w.state.MineBlock(ctx)
		}()

		select {
		case err := <-done:
			cancel()
			if err != nil {
				w.ev("worker: miningOperations: %s", err)
				select {
				case <-time.After(time.Second):
				case <-w.shut:
					return
				}
			}

		case <-w.cancelMining:
			cancel()
			<-done
			w.miningOn = false

		case <-w.shut:
			cancel()
			<-done
			return
		}
	}
}
