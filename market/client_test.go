package market

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/glyphlabs/glyphwallet/wallet"
	"github.com/stretchr/testify/require"
)

var chainParams = chaincfg.RegressionNetParams

// testReceiveAddress returns a fixed regtest taproot address for
// listing payouts.
func testReceiveAddress(t *testing.T) string {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}

	addr, err := btcutil.NewAddressTaproot(key, &chainParams)
	require.NoError(t, err)

	return addr.EncodeAddress()
}

// testPacket returns a minimal unsigned packet and its base64 form.
func testPacket(t *testing.T) (*psbt.Packet, string) {
	t.Helper()

	op := wire.OutPoint{Hash: chainhash.Hash{0x01}}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(50_000, make([]byte, 34)))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	b64, err := packet.B64Encode()
	require.NoError(t, err)

	return packet, b64
}

// orderJSON renders one order answer in the marketplace's wire shape.
func orderJSON(id string, asset wire.OutPoint, price int64, receive,
	psbtB64 string) string {

	raw, _ := json.Marshal(&orderResponse{
		ID:        id,
		Asset:     asset.String(),
		PriceSat:  price,
		Receive:   receive,
		Status:    "open",
		CreatedAt: 1_755_000_000,
		Psbt:      psbtB64,
	})

	return string(raw)
}

// marketServer fakes the marketplace REST API and records what the
// client sent.
type marketServer struct {
	network  string
	minPrice int64

	infoCalls  int
	orderCalls int

	auth      string
	createReq []byte
	orderResp string

	submitStatus  int
	submittedPath string
	submittedPsbt string

	cancelStatus  int
	cancelledPath string

	listResp  string
	listQuery string
}

func newMarketServer() *marketServer {
	return &marketServer{
		network:  chainParams.Name,
		minPrice: 1_000,
	}
}

func (s *marketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/v1/info":
		s.infoCalls++
		fmt.Fprintf(w, `{"network": %q, "min_price_sat": %d}`,
			s.network, s.minPrice)

	case r.URL.Path == "/v1/orders" && r.Method == http.MethodPost:
		s.orderCalls++
		s.auth = r.Header.Get("Authorization")
		s.createReq, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, s.orderResp)

	case r.URL.Path == "/v1/orders" && r.Method == http.MethodGet:
		s.listQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, s.listResp)

	case strings.HasSuffix(r.URL.Path, "/psbt") &&
		r.Method == http.MethodPost:

		if s.submitStatus != 0 {
			w.WriteHeader(s.submitStatus)
			return
		}
		s.submittedPath = r.URL.Path

		var req submitJSON
		if json.NewDecoder(r.Body).Decode(&req) == nil {
			s.submittedPsbt = req.Psbt
		}

	case r.Method == http.MethodDelete:
		if s.cancelStatus != 0 {
			w.WriteHeader(s.cancelStatus)
			return
		}
		s.cancelledPath = r.URL.Path

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// newTestClient returns a client against the fake marketplace.
func newTestClient(t *testing.T, s *marketServer, apiKey string) *Client {
	t.Helper()

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		BaseURL:     srv.URL,
		ChainParams: &chainParams,
		APIKey:      apiKey,
	})
	require.NoError(t, err)

	return client
}

// TestNewValidation asserts the config is checked up front.
func TestNewValidation(t *testing.T) {
	_, err := New(Config{ChainParams: &chainParams})
	require.ErrorContains(t, err, "base URL")

	_, err = New(Config{BaseURL: "http://localhost"})
	require.ErrorContains(t, err, "chain params")
}

// TestCreateListing asserts the happy path: price floor check, request
// wire form, auth header and template passthrough.
func TestCreateListing(t *testing.T) {
	server := newMarketServer()
	receive := testReceiveAddress(t)
	assetOp := wire.OutPoint{Hash: chainhash.Hash{0xab}, Index: 1}
	_, templateB64 := testPacket(t)
	server.orderResp = orderJSON(
		"ord-1", assetOp, 50_000, receive, templateB64,
	)

	client := newTestClient(t, server, "secret-key")

	order, err := client.CreateListing(
		t.Context(), assetOp, 50_000, receive,
	)
	require.NoError(t, err)
	require.Equal(t, "ord-1", order.ID)
	require.NotNil(t, order.Packet)

	gotB64, err := order.Packet.B64Encode()
	require.NoError(t, err)
	require.Equal(t, templateB64, gotB64)

	require.Equal(t, "Bearer secret-key", server.auth)

	var req createOrderJSON
	require.NoError(t, json.Unmarshal(server.createReq, &req))
	require.Equal(t, assetOp.String(), req.Asset)
	require.Equal(t, int64(50_000), req.PriceSat)
	require.Equal(t, receive, req.Receive)

	// The marketplace info is fetched once and pinned.
	require.Equal(t, 1, server.infoCalls)
	_, err = client.CreateListing(t.Context(), assetOp, 50_000, receive)
	require.NoError(t, err)
	require.Equal(t, 1, server.infoCalls)
}

// TestCreateListingPriceFloor asserts a price below the advertised
// minimum fails before any order request goes out.
func TestCreateListingPriceFloor(t *testing.T) {
	server := newMarketServer()
	server.minPrice = 10_000
	client := newTestClient(t, server, "")

	_, err := client.CreateListing(
		t.Context(), wire.OutPoint{Hash: chainhash.Hash{0xab}},
		5_000, testReceiveAddress(t),
	)

	var validationErr *wallet.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "price", validationErr.Field)
	require.Zero(t, server.orderCalls)
}

// TestNetworkPinning asserts a marketplace on the wrong network is
// refused at first contact.
func TestNetworkPinning(t *testing.T) {
	server := newMarketServer()
	server.network = "mainnet"
	client := newTestClient(t, server, "")

	_, err := client.CreateListing(
		t.Context(), wire.OutPoint{Hash: chainhash.Hash{0xab}},
		50_000, testReceiveAddress(t),
	)
	require.ErrorContains(t, err, "marketplace serves")
	require.Zero(t, server.orderCalls)

	server = newMarketServer()
	server.minPrice = -1
	client = newTestClient(t, server, "")

	_, err = client.CreateListing(
		t.Context(), wire.OutPoint{Hash: chainhash.Hash{0xab}},
		50_000, testReceiveAddress(t),
	)
	require.ErrorContains(t, err, "negative price floor")
}

// TestCreateListingAnswerChecks asserts malformed or diverging order
// answers are refused.
func TestCreateListingAnswerChecks(t *testing.T) {
	receive := testReceiveAddress(t)
	assetOp := wire.OutPoint{Hash: chainhash.Hash{0xab}, Index: 1}
	otherOp := wire.OutPoint{Hash: chainhash.Hash{0xcd}, Index: 0}

	testCases := []struct {
		name   string
		resp   string
		errStr string
	}{{
		name:   "asset echo mismatch",
		resp:   orderJSON("ord-1", otherOp, 50_000, receive, ""),
		errStr: "order is for",
	}, {
		name:   "malformed order id",
		resp:   orderJSON("bad id!", assetOp, 50_000, receive, ""),
		errStr: "malformed order id",
	}, {
		name: "malformed asset outpoint",
		resp: `{"id": "ord-1", "asset": "nonsense", ` +
			`"price_sat": 50000, "receive": "` + receive + `", ` +
			`"status": "open", "created_at": 1}`,
		errStr: "no separator",
	}, {
		name:   "non-positive price",
		resp:   orderJSON("ord-1", assetOp, 0, receive, ""),
		errStr: "non-positive price",
	}, {
		name:   "foreign receive address",
		resp:   orderJSON("ord-1", assetOp, 50_000, "bc1qqqqq", ""),
		errStr: "receive address",
	}, {
		name:   "undecodable template",
		resp:   orderJSON("ord-1", assetOp, 50_000, receive, "!!!"),
		errStr: "template psbt",
	}, {
		name: "unknown field",
		resp: `{"id": "ord-1", "asset": "` + assetOp.String() +
			`", "price_sat": 50000, "receive": "` + receive +
			`", "status": "open", "created_at": 1, "tip": 5}`,
		errStr: "decode",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := newMarketServer()
			server.orderResp = tc.resp
			client := newTestClient(t, server, "")

			_, err := client.CreateListing(
				t.Context(), assetOp, 50_000, receive,
			)
			require.ErrorContains(t, err, tc.errStr)
		})
	}
}

// TestSubmitSigned asserts the upload path and the unknown-order
// mapping.
func TestSubmitSigned(t *testing.T) {
	packet, b64 := testPacket(t)

	t.Run("uploads packet", func(t *testing.T) {
		server := newMarketServer()
		client := newTestClient(t, server, "")

		err := client.SubmitSigned(t.Context(), "ord-1", packet)
		require.NoError(t, err)
		require.Equal(t, "/v1/orders/ord-1/psbt", server.submittedPath)
		require.Equal(t, b64, server.submittedPsbt)
	})

	t.Run("unknown order", func(t *testing.T) {
		server := newMarketServer()
		server.submitStatus = http.StatusNotFound
		client := newTestClient(t, server, "")

		err := client.SubmitSigned(t.Context(), "ord-9", packet)
		require.ErrorIs(t, err, ErrUnknownOrder)
	})

	t.Run("malformed order id stays local", func(t *testing.T) {
		server := newMarketServer()
		client := newTestClient(t, server, "")

		err := client.SubmitSigned(t.Context(), "no good!", packet)

		var validationErr *wallet.ValidationError
		require.ErrorAs(t, err, &validationErr)
		require.Empty(t, server.submittedPath)
	})
}

// TestCancel asserts the delete path and the unknown-order mapping.
func TestCancel(t *testing.T) {
	t.Run("cancels order", func(t *testing.T) {
		server := newMarketServer()
		client := newTestClient(t, server, "")

		require.NoError(t, client.Cancel(t.Context(), "ord-9"))
		require.Equal(t, "/v1/orders/ord-9", server.cancelledPath)
	})

	t.Run("unknown order", func(t *testing.T) {
		server := newMarketServer()
		server.cancelStatus = http.StatusNotFound
		client := newTestClient(t, server, "")

		err := client.Cancel(t.Context(), "ord-9")
		require.ErrorIs(t, err, ErrUnknownOrder)
	})

	t.Run("malformed order id stays local", func(t *testing.T) {
		server := newMarketServer()
		client := newTestClient(t, server, "")

		err := client.Cancel(t.Context(), strings.Repeat("x", 65))

		var validationErr *wallet.ValidationError
		require.ErrorAs(t, err, &validationErr)
		require.Empty(t, server.cancelledPath)
	})
}

// TestOpenOrders asserts the listing query and per-order validation.
func TestOpenOrders(t *testing.T) {
	receive := testReceiveAddress(t)
	first := wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0}
	second := wire.OutPoint{Hash: chainhash.Hash{0x02}, Index: 3}

	server := newMarketServer()
	server.listResp = "[" +
		orderJSON("ord-1", first, 50_000, receive, "") + "," +
		orderJSON("ord-2", second, 75_000, receive, "") + "]"
	client := newTestClient(t, server, "")

	orders, err := client.OpenOrders(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, "status=open&seller=alice", server.listQuery)

	require.Len(t, orders, 2)
	require.Equal(t, "ord-1", orders[0].ID)
	require.Equal(t, first, orders[0].Asset)
	require.Equal(t, btcutil.Amount(50_000), orders[0].Price)
	require.Equal(t, receive, orders[0].Receive)
	require.Equal(t, "open", orders[0].Status)
	require.Equal(t, time.Unix(1_755_000_000, 0), orders[0].CreatedAt)
	require.Equal(t, "ord-2", orders[1].ID)
	require.Equal(t, second, orders[1].Asset)

	// One rotten order spoils the answer.
	server.listResp = "[" +
		orderJSON("ord-1", first, 50_000, receive, "") + "," +
		orderJSON("bad id!", second, 75_000, receive, "") + "]"

	_, err = client.OpenOrders(t.Context(), "alice")
	require.ErrorContains(t, err, "malformed order id")
}
