package heartbeat

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	reconnectBackoff = 10 * time.Second
	rpcCallTimeout   = 30 * time.Second
)

// submitHTXSelector is keccak256("submitHTX(bytes)")[:4], computed once
// at init rather than on every call.
var submitHTXSelector = crypto.Keccak256([]byte("submitHTX(bytes)"))[:4]

var bytesArgs = func() abi.Arguments {
	bytesType, err := abi.NewType("bytes", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: bytesType}}
}()

// WSChainClient submits HTX transactions and reads the signing wallet's
// balance over a JSON-RPC-over-WebSocket connection, reconnecting
// without bound whenever the connection drops.
type WSChainClient struct {
	endpoint      string
	contract      common.Address
	signer        *ecdsa.PrivateKey
	signerAddress common.Address
	chainID       *big.Int

	mu   sync.Mutex
	conn *websocket.Conn

	nextID int64

	logger zerolog.Logger
}

// WSChainClientConfig configures a new WSChainClient.
type WSChainClientConfig struct {
	Endpoint   string
	Contract   common.Address
	SigningKey *ecdsa.PrivateKey
	ChainID    *big.Int
	Logger     zerolog.Logger
}

// NewWSChainClient builds a WSChainClient. The first connection attempt
// happens lazily on the first call; reconnection is handled internally.
func NewWSChainClient(cfg WSChainClientConfig) *WSChainClient {
	return &WSChainClient{
		endpoint:      cfg.Endpoint,
		contract:      cfg.Contract,
		signer:        cfg.SigningKey,
		signerAddress: crypto.PubkeyToAddress(cfg.SigningKey.PublicKey),
		chainID:       cfg.ChainID,
		logger:        cfg.Logger.With().Str("component", "heartbeat-chain-client").Logger(),
	}
}

// SubmitHTX ABI-encodes rawHTX as the sole argument to submitHTX(bytes),
// signs a transaction calling it, and submits it over the RPC
// connection.
func (c *WSChainClient) SubmitHTX(ctx context.Context, rawHTX []byte) (string, error) {
	packed, err := bytesArgs.Pack(rawHTX)
	if err != nil {
		return "", fmt.Errorf("abi-encoding submitHTX argument: %w", err)
	}
	data := append(append([]byte{}, submitHTXSelector...), packed...)

	nonce, err := c.nonce(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching signer nonce: %w", err)
	}
	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      200_000,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := types.NewEIP155Signer(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.signer)
	if err != nil {
		return "", fmt.Errorf("signing htx transaction: %w", err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encoding signed transaction: %w", err)
	}

	var result string
	if err := c.call(ctx, "eth_sendRawTransaction", []interface{}{"0x" + common.Bytes2Hex(raw)}, &result); err != nil {
		return "", err
	}
	return result, nil
}

// Balance returns the signing wallet's balance in wei as a decimal
// string.
func (c *WSChainClient) Balance(ctx context.Context) (string, error) {
	var hexBalance string
	if err := c.call(ctx, "eth_getBalance", []interface{}{c.signerAddress.Hex(), "latest"}, &hexBalance); err != nil {
		return "", err
	}
	balance, ok := new(big.Int).SetString(trimHexPrefix(hexBalance), 16)
	if !ok {
		return "", fmt.Errorf("parsing balance %q", hexBalance)
	}
	return balance.String(), nil
}

func (c *WSChainClient) nonce(ctx context.Context) (uint64, error) {
	var hexNonce string
	if err := c.call(ctx, "eth_getTransactionCount", []interface{}{c.signerAddress.Hex(), "pending"}, &hexNonce); err != nil {
		return 0, err
	}
	n, ok := new(big.Int).SetString(trimHexPrefix(hexNonce), 16)
	if !ok {
		return 0, fmt.Errorf("parsing nonce %q", hexNonce)
	}
	return n.Uint64(), nil
}

func (c *WSChainClient) gasPrice(ctx context.Context) (*big.Int, error) {
	var hexPrice string
	if err := c.call(ctx, "eth_gasPrice", nil, &hexPrice); err != nil {
		return nil, err
	}
	price, ok := new(big.Int).SetString(trimHexPrefix(hexPrice), 16)
	if !ok {
		return nil, fmt.Errorf("parsing gas price %q", hexPrice)
	}
	return price, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call sends a JSON-RPC request over the websocket connection,
// reconnecting with an unbounded retry loop (fixed 10s backoff) if the
// connection is down, and unmarshals the result into out.
func (c *WSChainClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}

	req := rpcRequest{JSONRPC: "2.0", ID: atomic.AddInt64(&c.nextID, 1), Method: method, Params: params}

	c.mu.Lock()
	writeErr := conn.WriteJSON(req)
	var resp rpcResponse
	var readErr error
	if writeErr == nil {
		_ = conn.SetReadDeadline(time.Now().Add(rpcCallTimeout))
		readErr = conn.ReadJSON(&resp)
	}
	c.mu.Unlock()

	if writeErr != nil || readErr != nil {
		c.dropConn()
		if writeErr != nil {
			return fmt.Errorf("writing rpc request %s: %w", method, writeErr)
		}
		return fmt.Errorf("reading rpc response for %s: %w", method, readErr)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// ensureConn returns the current connection, dialing (and retrying
// forever with a fixed backoff) if none is established.
func (c *WSChainClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	for {
		dialer := websocket.Dialer{HandshakeTimeout: rpcCallTimeout}
		conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			return conn, nil
		}

		c.logger.Warn().Err(err).Str("endpoint", c.endpoint).Msg("chain rpc connection failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reconnectBackoff):
		}
	}
}

func (c *WSChainClient) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
