package status

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	perr "github.com/ggonzalez94/planexec/internal/errors"
)

// wsState is the explicit push-transport state machine:
// Connecting -> Open -> (Resolved | Errored -> FallbackPolling).
type wsState int

const (
	wsConnecting wsState = iota
	wsOpen
	wsFallback
)

const eventStatusUpdated = "request.status.updated"

type envelope struct {
	Event string     `json:"event"`
	Data  statusData `json:"data"`
}

type statusData struct {
	Status             string   `json:"status"`
	TxHashes           []string `json:"txHashes,omitempty"`
	InternalTxHashes   []string `json:"internalTxHashes,omitempty"`
	OriginChainID      int64    `json:"originChainId,omitempty"`
	DestinationChainID int64    `json:"destinationChainId,omitempty"`
}

type subscribeMessage struct {
	Event string `json:"event"`
	Data  struct {
		RequestID string `json:"requestId"`
	} `json:"data"`
}

// fallbackError signals that the push transport died and polling should
// resume at the attempt count already consumed.
type fallbackError struct {
	cause error
}

func (e *fallbackError) Error() string {
	return fmt.Sprintf("push transport failed: %v", e.cause)
}

// watch runs the push state machine. While Connecting, polling continues
// and consumes attempts; once the socket is Open polling is suspended.
// The returned attempt count lets the caller resume polling on fallback.
func (r *Resolver) watch(ctx context.Context, q Query) (Result, int, error) {
	wsCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opened := make(chan struct{}, 1)
	msgCh := make(chan envelope, 8)
	errCh := make(chan error, 1)
	go r.readPump(wsCtx, q.RequestID, opened, msgCh, errCh)

	state := wsConnecting
	attempts := 0
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	for {
		select {
		case <-opened:
			state = wsOpen
		case env := <-msgCh:
			if env.Event != eventStatusUpdated {
				continue
			}
			res, terminal, err := r.handlePushStatus(ctx, env.Data, msgCh, q.ChainID)
			if err != nil {
				return Result{}, attempts, err
			}
			if terminal {
				return res, attempts, nil
			}
		case err := <-errCh:
			return Result{}, attempts, &fallbackError{cause: err}
		case <-ticker.C:
			if state != wsConnecting {
				continue
			}
			if attempts >= r.maxAttempts() {
				return Result{}, attempts, perr.StatusTimeout(q.TxHash, attempts)
			}
			res, done, err := r.checkOnce(ctx, q)
			if err != nil {
				return Result{}, attempts, err
			}
			attempts++
			if done {
				return res, attempts, nil
			}
		case <-ctx.Done():
			return Result{}, attempts, perr.Wrap(perr.CodeStatusTimeout, "status watch cancelled", ctx.Err())
		}
	}
}

// handlePushStatus maps a push update. A failure or refund is finalized only
// after the settle window elapses without a corrective success message.
func (r *Resolver) handlePushStatus(ctx context.Context, data statusData, msgCh <-chan envelope, ambientChain int64) (Result, bool, error) {
	switch strings.ToLower(data.Status) {
	case "success":
		return mapHashes(data.TxHashes, data.InternalTxHashes, data.DestinationChainID, data.OriginChainID, ambientChain), true, nil
	case "failure", "refund":
		msg := "Transaction failed"
		if strings.EqualFold(data.Status, "refund") {
			msg = "Transaction failed: Refunded"
		}
		settle := time.NewTimer(r.settleDelay())
		defer settle.Stop()
		for {
			select {
			case env := <-msgCh:
				if env.Event != eventStatusUpdated {
					continue
				}
				if strings.EqualFold(env.Data.Status, "success") {
					return mapHashes(env.Data.TxHashes, env.Data.InternalTxHashes, env.Data.DestinationChainID, env.Data.OriginChainID, ambientChain), true, nil
				}
			case <-settle.C:
				return Result{}, false, perr.New(perr.CodeBackendRejected, msg)
			case <-ctx.Done():
				return Result{}, false, perr.Wrap(perr.CodeStatusTimeout, "status watch cancelled", ctx.Err())
			}
		}
	default:
		return Result{}, false, nil
	}
}

// readPump dials the socket, subscribes to the request's updates and pumps
// decoded envelopes to the state machine. Any error ends the pump and
// triggers fallback.
func (r *Resolver) readPump(ctx context.Context, requestID string, opened chan<- struct{}, msgCh chan<- envelope, errCh chan<- error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.WebSocketURL, nil)
	if err != nil {
		errCh <- err
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	sub := subscribeMessage{Event: "subscribe"}
	sub.Data.RequestID = requestID
	if err := conn.WriteJSON(sub); err != nil {
		errCh <- err
		return
	}
	opened <- struct{}{}

	// A zero attempt ceiling still gets one interval of read deadline so a
	// silent socket cannot block the watch forever.
	budget := time.Duration(r.maxAttempts()) * r.interval()
	if budget <= 0 {
		budget = r.interval()
	}
	_ = conn.SetReadDeadline(time.Now().Add(budget))
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			r.logger().Debug("websocket read ended", zap.Error(err))
			errCh <- err
			return
		}
		select {
		case msgCh <- env:
		case <-ctx.Done():
			return
		}
	}
}
