// Package chain provides the minimal Ethereum binding the token meter
// uses for submit_proof/get_job (spec.md §6.2). There is no generated
// contract binding here: the production contract's internals are out of
// scope, so only these two opaque operations are bound against a
// hand-written ABI fragment.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fabstir/llm-node/internal/apperrors"
)

// abiJSON is the hand-written fragment for the two opaque contract
// operations this node calls directly.
const abiJSON = `[
  {"type":"function","name":"submitProof","inputs":[
    {"name":"jobId","type":"uint64"},
    {"name":"tokensClaimed","type":"uint64"},
    {"name":"proof","type":"bytes"}
  ],"outputs":[]},
  {"type":"function","name":"getJob","inputs":[
    {"name":"jobId","type":"uint64"}
  ],"outputs":[
    {"name":"host","type":"address"},
    {"name":"state","type":"uint8"},
    {"name":"totalTokensProven","type":"uint64"},
    {"name":"startedAt","type":"uint64"}
  ]}
]`

var parsedABI abi.ABI

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic("chain: invalid embedded ABI: " + err.Error())
	}
}

// JobStateActive is the get_job state value meaning the job is accepting
// inference turns. Session init's host-assignment check (spec.md §6.2)
// treats any other state as not-yet-started or already-finished.
const JobStateActive uint8 = 1

// JobInfo is the decoded result of get_job.
type JobInfo struct {
	Host              common.Address
	State             uint8
	TotalTokensProven uint64
	StartedAt         time.Time
}

// Client binds submit_proof/get_job against an Ethereum JSON-RPC
// endpoint using a keyed transactor derived from the node's host key.
type Client struct {
	rpc      *ethclient.Client
	contract common.Address
	chainID  *big.Int
	priv     *ecdsa.PrivateKey
	confirm  time.Duration // max wait for a receipt
	retries  int
}

// NewClient dials rpcURL and configures a submitter signing with
// hostPrivHex (32-byte hex, no 0x prefix) against contract on chainID.
func NewClient(ctx context.Context, rpcURL string, contract common.Address, chainID int64, hostPrivHex string, confirmTimeout time.Duration, maxRetries int) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ChainTransient, "chain.NewClient", err)
	}
	priv, err := crypto.HexToECDSA(hostPrivHex)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Validation, "chain.NewClient", err)
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 30 * time.Second
	}
	return &Client{
		rpc:      rpc,
		contract: contract,
		chainID:  big.NewInt(chainID),
		priv:     priv,
		confirm:  confirmTimeout,
		retries:  maxRetries,
	}, nil
}

// HostAddress returns the node's on-chain identity.
func (c *Client) HostAddress() common.Address {
	return crypto.PubkeyToAddress(c.priv.PublicKey)
}

// HostAddressHex returns the node's on-chain identity as lower-case hex
// without a leading 0x, matching the proof payload's "hostAddress" field.
func (c *Client) HostAddressHex() string {
	return strings.ToLower(c.HostAddress().Hex()[2:])
}

// SubmitProof calls submit_proof(jobId, tokensClaimed, proof), waits for
// a receipt, and classifies any failure as ChainTransient or
// ChainTerminal per spec.md §7.
func (c *Client) SubmitProof(ctx context.Context, jobID, tokensClaimed uint64, proof []byte) error {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return err
	}

	data, err := parsedABI.Pack("submitProof", jobID, tokensClaimed, proof)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, "chain.SubmitProof", err)
	}

	tx, err := c.sendTx(ctx, opts, data)
	if err != nil {
		return err
	}

	return c.waitForReceipt(ctx, tx)
}

// GetJob reads a job's on-chain state.
func (c *Client) GetJob(ctx context.Context, jobID uint64) (*JobInfo, error) {
	data, err := parsedABI.Pack("getJob", jobID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "chain.GetJob", err)
	}

	result, err := c.rpc.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ChainTransient, "chain.GetJob", err)
	}

	out, err := parsedABI.Unpack("getJob", result)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "chain.GetJob", err)
	}

	return &JobInfo{
		Host:              out[0].(common.Address),
		State:             out[1].(uint8),
		TotalTokensProven: out[2].(uint64),
		StartedAt:         time.Unix(int64(out[3].(uint64)), 0),
	}, nil
}

func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.priv, c.chainID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "chain.transactOpts", err)
	}
	opts.Context = ctx
	return opts, nil
}

func (c *Client) sendTx(ctx context.Context, opts *bind.TransactOpts, data []byte) (*types.Transaction, error) {
	nonce, err := c.rpc.PendingNonceAt(ctx, opts.From)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ChainTransient, "chain.sendTx", err)
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ChainTransient, "chain.sendTx", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Gas:      300_000,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := opts.Signer(opts.From, tx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "chain.sendTx", err)
	}

	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return nil, classifySendError(err)
	}
	return signed, nil
}

func (c *Client) waitForReceipt(ctx context.Context, tx *types.Transaction) error {
	deadline := time.Now().Add(c.confirm)
	for time.Now().Before(deadline) {
		receipt, err := c.rpc.TransactionReceipt(ctx, tx.Hash())
		if err == nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return classifyRevert(ctx, c.rpc, tx)
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.Timeout, "chain.waitForReceipt", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
	return apperrors.New(apperrors.ChainTransient, "chain.waitForReceipt", "timed out waiting for receipt")
}

// terminalRevertReasons are the contract's known unrecoverable revert
// reasons. CallContract returns the reason wrapped in surrounding prose
// (e.g. "execution reverted: OverClaim"), so these are matched with
// strings.Contains rather than an exact switch.
var terminalRevertReasons = []string{"UnauthorizedHost", "TokensTooFew", "OverClaim", "JobNotActive"}

// classifyRevert attempts to recover the revert reason by replaying the
// transaction as a call and classifies it per classifyReason.
func classifyRevert(ctx context.Context, rpc *ethclient.Client, tx *types.Transaction) error {
	return classifyReason(reasonFor(ctx, rpc, tx))
}

// classifyReason matches a revert reason against the contract's known
// terminal reasons to distinguish unrecoverable failures (unauthorized
// host, over-claim, job not active) from everything else. CallContract
// returns the reason wrapped in surrounding prose (e.g. "execution
// reverted: OverClaim"), so each known reason is matched with
// strings.Contains rather than an exact comparison.
func classifyReason(reason string) error {
	for _, known := range terminalRevertReasons {
		if strings.Contains(reason, known) {
			return apperrors.New(apperrors.ChainTerminal, "chain.SubmitProof", known)
		}
	}
	return apperrors.New(apperrors.ChainTransient, "chain.SubmitProof", "transaction reverted: "+reason)
}

func reasonFor(ctx context.Context, rpc *ethclient.Client, tx *types.Transaction) string {
	msg := ethereum.CallMsg{To: tx.To(), Data: tx.Data(), Value: tx.Value()}
	_, err := rpc.CallContract(ctx, msg, nil)
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func classifySendError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction") {
		return apperrors.Wrap(apperrors.ChainTransient, "chain.sendTx", err)
	}
	return apperrors.Wrap(apperrors.ChainTransient, "chain.sendTx", err)
}
