package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/photopay/payment-engine/internal/ledger"
)

const (
	sig      = "3hizm34taS8t9UvpJg9oRCJ7EWYkuUHNCecrhuBZjG7L2RfqEqgApn2VsKS94Agj9UgBdgQT6HsaaFRUu7ZT44sU"
	buyer    = "23dpV9BUjy3nfriKpeiuzyhuN5Css9YyRRSjAy4Vquf9"
	creator  = "FogFEoujtUb777bWsmXK2XxjXujGtFvM7fKi4XwoAJKk"
	sysProg  = "11111111111111111111111111111111"
	memoProg = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
)

// rpcNode answers JSON-RPC requests with a canned body per method.
func rpcNode(t *testing.T, bodies map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Errorf("bad request body: %s", raw)
		}
		body, ok := bodies[req.Method]
		if !ok {
			t.Errorf("unexpected method %s", req.Method)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchTransaction_ParsesTransfers(t *testing.T) {
	srv := rpcNode(t, map[string]string{
		"getTransaction": `{"jsonrpc":"2.0","id":1,"result":{
			"slot": 250000000,
			"blockTime": 1700000000,
			"meta": {"err": null, "fee": 5000},
			"transaction": {
				"signatures": ["` + sig + `"],
				"message": {"instructions": [
					{"program":"spl-memo","programId":"` + memoProg + `","parsed":"order 42"},
					{"program":"system","programId":"` + sysProg + `","parsed":{"type":"transfer","info":{"source":"` + buyer + `","destination":"` + creator + `","lamports":1500000000}}}
				]}
			}
		}}`,
	})
	client := ledger.NewRPCClient(srv.URL, time.Second)

	tx, err := client.FetchTransaction(context.Background(), sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Failed() {
		t.Error("transaction should not be marked failed")
	}
	if tx.Slot != 250000000 {
		t.Errorf("expected slot 250000000, got %d", tx.Slot)
	}
	if tx.BlockTime == nil || tx.BlockTime.Unix() != 1700000000 {
		t.Errorf("unexpected block time %v", tx.BlockTime)
	}
	if len(tx.Instructions) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(tx.Instructions))
	}
	if tx.Instructions[0].Transfer != nil {
		t.Error("memo instruction should not decode as a transfer")
	}
	ix := tx.Instructions[1]
	if !ix.IsSystemTransfer() {
		t.Fatal("expected system transfer")
	}
	if ix.Transfer.Source != buyer || ix.Transfer.Destination != creator {
		t.Errorf("unexpected accounts %+v", ix.Transfer)
	}
	if ix.Transfer.Lamports != 1_500_000_000 {
		t.Errorf("expected 1500000000 lamports, got %d", ix.Transfer.Lamports)
	}
}

func TestFetchTransaction_ExecutionError(t *testing.T) {
	srv := rpcNode(t, map[string]string{
		"getTransaction": `{"jsonrpc":"2.0","id":1,"result":{"slot":1,"meta":{"err":{"InstructionError":[0,{"Custom":1}]}},"transaction":{"message":{"instructions":[]}}}}`,
	})
	client := ledger.NewRPCClient(srv.URL, time.Second)

	tx, err := client.FetchTransaction(context.Background(), sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.Failed() {
		t.Error("expected transaction to be marked failed")
	}
}

func TestFetchTransaction_NotFound(t *testing.T) {
	srv := rpcNode(t, map[string]string{
		"getTransaction": `{"jsonrpc":"2.0","id":1,"result":null}`,
	})
	client := ledger.NewRPCClient(srv.URL, time.Second)

	_, err := client.FetchTransaction(context.Background(), sig)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchTransaction_Malformed(t *testing.T) {
	tests := map[string]string{
		"garbage":      `not json`,
		"missing meta": `{"jsonrpc":"2.0","id":1,"result":{"slot":1,"transaction":{"message":{"instructions":[]}}}}`,
		"bad lamports": `{"jsonrpc":"2.0","id":1,"result":{"slot":1,"meta":{"err":null},"transaction":{"message":{"instructions":[{"program":"system","parsed":{"type":"transfer","info":{"lamports":"lots"}}}]}}}}`,
		"invalid params": `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid param"}}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			srv := rpcNode(t, map[string]string{"getTransaction": body})
			client := ledger.NewRPCClient(srv.URL, time.Second)

			_, err := client.FetchTransaction(context.Background(), sig)
			if !errors.Is(err, ledger.ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestFetchTransaction_TransportFailures(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := ledger.NewRPCClient(srv.URL, time.Second).FetchTransaction(context.Background(), sig)
		if !errors.Is(err, ledger.ErrTransport) {
			t.Errorf("expected ErrTransport, got %v", err)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := ledger.NewRPCClient(srv.URL, time.Second).FetchTransaction(context.Background(), sig)
		if !errors.Is(err, ledger.ErrTransport) {
			t.Errorf("expected ErrTransport, got %v", err)
		}
	})

	t.Run("node unhealthy", func(t *testing.T) {
		srv := rpcNode(t, map[string]string{
			"getTransaction": `{"jsonrpc":"2.0","id":1,"error":{"code":-32005,"message":"Node is behind"}}`,
		})
		_, err := ledger.NewRPCClient(srv.URL, time.Second).FetchTransaction(context.Background(), sig)
		if !errors.Is(err, ledger.ErrTransport) {
			t.Errorf("expected ErrTransport, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		_, err := ledger.NewRPCClient(srv.URL, 50*time.Millisecond).FetchTransaction(context.Background(), sig)
		if !errors.Is(err, ledger.ErrTransport) {
			t.Errorf("expected ErrTransport on timeout, got %v", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := ledger.NewRPCClient(url, time.Second).FetchTransaction(context.Background(), sig)
		if !errors.Is(err, ledger.ErrTransport) {
			t.Errorf("expected ErrTransport, got %v", err)
		}
	})
}

func TestFetchSignatureStatus(t *testing.T) {
	tests := []struct {
		body string
		want ledger.ConfirmationLevel
	}{
		{`{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":[null]}}`, ledger.LevelUnknown},
		{`{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":[{"slot":1,"confirmations":0,"err":null,"confirmationStatus":"processed"}]}}`, ledger.LevelProcessed},
		{`{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":[{"slot":1,"confirmations":10,"err":null,"confirmationStatus":"confirmed"}]}}`, ledger.LevelConfirmed},
		{`{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":[{"slot":1,"confirmations":null,"err":null,"confirmationStatus":"finalized"}]}}`, ledger.LevelFinalized},
	}

	for _, tt := range tests {
		srv := rpcNode(t, map[string]string{"getSignatureStatuses": tt.body})
		got, err := ledger.NewRPCClient(srv.URL, time.Second).FetchSignatureStatus(context.Background(), sig)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}

func TestFetchSignatureStatus_UnknownLevelIsMalformed(t *testing.T) {
	srv := rpcNode(t, map[string]string{
		"getSignatureStatuses": `{"jsonrpc":"2.0","id":1,"result":{"value":[{"confirmationStatus":"rooted"}]}}`,
	})
	_, err := ledger.NewRPCClient(srv.URL, time.Second).FetchSignatureStatus(context.Background(), sig)
	if !errors.Is(err, ledger.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestFetchRecentBlockReference(t *testing.T) {
	srv := rpcNode(t, map[string]string{
		"getLatestBlockhash": `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":2792},"value":{"blockhash":"EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N","lastValidBlockHeight":3090}}}`,
	})

	ref, err := ledger.NewRPCClient(srv.URL, time.Second).FetchRecentBlockReference(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.Blockhash != "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N" {
		t.Errorf("unexpected blockhash %s", ref.Blockhash)
	}
	if ref.LastValidBlockHeight != 3090 {
		t.Errorf("expected height 3090, got %d", ref.LastValidBlockHeight)
	}
}

func TestClose_RejectsNewCalls(t *testing.T) {
	srv := rpcNode(t, map[string]string{
		"getTransaction": `{"jsonrpc":"2.0","id":1,"result":null}`,
	})
	client := ledger.NewRPCClient(srv.URL, time.Second)

	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := client.FetchTransaction(context.Background(), sig)
	if !errors.Is(err, ledger.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestClose_WaitsForInFlight(t *testing.T) {
	var served atomic.Bool
	entered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		time.Sleep(100 * time.Millisecond)
		served.Store(true)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer srv.Close()
	client := ledger.NewRPCClient(srv.URL, time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.FetchTransaction(context.Background(), sig)
		errCh <- err
	}()
	<-entered

	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !served.Load() {
		t.Error("Close returned before the in-flight call completed")
	}
	if err := <-errCh; !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("in-flight call should complete normally, got %v", err)
	}
}

func TestClose_AbortsAfterDeadline(t *testing.T) {
	entered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	}))
	defer srv.Close()
	client := ledger.NewRPCClient(srv.URL, 10*time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.FetchTransaction(context.Background(), sig)
		errCh <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := client.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded from Close, got %v", err)
	}
	if err := <-errCh; !errors.Is(err, ledger.ErrTransport) {
		t.Errorf("aborted call should surface ErrTransport, got %v", err)
	}
}

func TestUnitConversion(t *testing.T) {
	if got := ledger.ToDisplayUnits(1_500_000_000); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("expected 1.5, got %s", got)
	}
	if got := ledger.ToDisplayUnits(1); !got.Equal(decimal.RequireFromString("0.000000001")) {
		t.Errorf("expected 1e-9, got %s", got)
	}
	if got := ledger.ToLamports(decimal.RequireFromString("1.5")); got != 1_500_000_000 {
		t.Errorf("expected 1500000000, got %d", got)
	}
	if got := ledger.ToLamports(decimal.RequireFromString("0.0000000019")); got != 1 {
		t.Errorf("expected truncation to 1 lamport, got %d", got)
	}
}

func TestParseConfirmationLevel_JSON(t *testing.T) {
	data, err := json.Marshal(ledger.LevelFinalized)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"finalized"` {
		t.Errorf("unexpected encoding %s", data)
	}
}
