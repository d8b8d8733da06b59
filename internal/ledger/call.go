package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Call is a marketplace contract invocation.
type Call struct {
	// Method is the function name, used in logs and the audit trail.
	Method string
	// Signature is the canonical ABI signature.
	Signature string
	Args      []any
}

// Data returns the transaction input: selector followed by encoded args.
func (c Call) Data() ([]byte, error) {
	args, err := EncodeArgs(c.Args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.Method, err)
	}
	return append(Selector(c.Signature), args...), nil
}

// takeRevision is the job revision the take authorization is signed for.
const takeRevision = 0

// TokenDecimals is the number of decimals of marketplace payment tokens.
const TokenDecimals = 18

// TakeDigest is the message the worker signs to take jobID:
// keccak256(abi.encode(uint256 revision, uint256 jobId)).
func TakeDigest(jobID string) ([]byte, error) {
	id, err := ParseUint256(jobID)
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	enc, err := EncodeArgs(big.NewInt(takeRevision), id)
	if err != nil {
		return nil, err
	}
	return Keccak256(enc), nil
}

// TakeJob builds takeJob(uint256 jobId, bytes signature).
func TakeJob(jobID string, signature []byte) (Call, error) {
	id, err := ParseUint256(jobID)
	if err != nil {
		return Call{}, fmt.Errorf("job id: %w", err)
	}
	return Call{
		Method:    "takeJob",
		Signature: "takeJob(uint256,bytes)",
		Args:      []any{id, signature},
	}, nil
}

// DeliverResult builds deliverResult(uint256 jobId, string resultHash).
func DeliverResult(jobID, resultHash string) (Call, error) {
	id, err := ParseUint256(jobID)
	if err != nil {
		return Call{}, fmt.Errorf("job id: %w", err)
	}
	return Call{
		Method:    "deliverResult",
		Signature: "deliverResult(uint256,string)",
		Args:      []any{id, resultHash},
	}, nil
}

// JobPost is the content of a locally originated job.
type JobPost struct {
	Title              string
	ContentHash        string
	MultipleApplicants bool
	Tags               []string
	Token              Address
	// Amount is denominated in whole tokens and converted to base units.
	Amount           *apd.Decimal
	MaxTime          uint32
	DeliveryMethod   string
	Arbitrator       Address
	WhitelistWorkers []Address
}

// PublishJobPost builds publishJobPost(...) for p.
func PublishJobPost(p JobPost) (Call, error) {
	wei, err := ToBaseUnits(p.Amount, TokenDecimals)
	if err != nil {
		return Call{}, fmt.Errorf("amount: %w", err)
	}
	whitelist := p.WhitelistWorkers
	if whitelist == nil {
		whitelist = []Address{}
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return Call{
		Method:    "publishJobPost",
		Signature: "publishJobPost(string,string,bool,string[],address,uint256,uint32,string,address,address[])",
		Args: []any{
			p.Title,
			p.ContentHash,
			p.MultipleApplicants,
			tags,
			p.Token,
			wei,
			new(big.Int).SetUint64(uint64(p.MaxTime)),
			p.DeliveryMethod,
			p.Arbitrator,
			whitelist,
		},
	}, nil
}

// ToBaseUnits converts a whole-token decimal amount into integer base
// units with the given number of decimals. Fractions below one base
// unit are rejected.
func ToBaseUnits(amount *apd.Decimal, decimals int32) (*big.Int, error) {
	if amount == nil {
		return nil, fmt.Errorf("missing amount")
	}
	if amount.Negative || amount.Form != apd.Finite {
		return nil, fmt.Errorf("amount %s must be a non-negative finite number", amount)
	}
	scaled := new(apd.Decimal).Set(amount)
	scaled.Exponent += decimals
	text := scaled.Text('f')
	if whole, frac, ok := strings.Cut(text, "."); ok {
		if strings.Trim(frac, "0") != "" {
			return nil, fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
		}
		text = whole
	}
	v, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("amount %s is not integral after scaling", amount)
	}
	return v, nil
}
