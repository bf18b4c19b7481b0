package types

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Intake wire shapes. One tagged struct per operation kind, with exhaustive
// field validation at the boundary; anything that does not match a known
// shape is rejected as MalformedAuthorization and never queued.

// PayRequest is the intake body for a single gasless payment.
type PayRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Token        string `json:"token"`
	Amount       string `json:"amount"`
	PriorityFee  string `json:"priorityFee"`
	Nonce        string `json:"nonce"`
	Signature    string `json:"signature"`
	Executor     string `json:"executor"`
	PriorityFlag bool   `json:"priorityFlag"`
}

// DisperseRecipient is one wire entry of a batch disbursement.
type DisperseRecipient struct {
	Amount     string `json:"amount"`
	ToAddress  string `json:"to_address"`
	ToIdentity string `json:"to_identity"`
}

// DisperseRequest is the intake body for a batched disbursement. Amount is
// the declared batch total; the sum of recipient amounts must equal it.
type DisperseRequest struct {
	From         string              `json:"from"`
	Recipients   []DisperseRecipient `json:"recipients"`
	Token        string              `json:"token"`
	Amount       string              `json:"amount"`
	PriorityFee  string              `json:"priorityFee"`
	Nonce        string              `json:"nonce"`
	Signature    string              `json:"signature"`
	Executor     string              `json:"executor"`
	PriorityFlag bool                `json:"priorityFlag"`
}

// ClaimRequest is the intake body for a faucet claim. Claims always use
// unique nonces.
type ClaimRequest struct {
	Token     string `json:"token"`
	Claimer   string `json:"claimer"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

func validateAddress(path *field.Path, value string, errs field.ErrorList) field.ErrorList {
	if value == "" {
		return append(errs, field.Required(path, "address is required"))
	}
	if !common.IsHexAddress(value) {
		return append(errs, field.Invalid(path, value, "not a valid hex address"))
	}
	return errs
}

func validateAmount(path *field.Path, value string, errs field.ErrorList) field.ErrorList {
	if value == "" {
		return append(errs, field.Required(path, "amount is required"))
	}
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return append(errs, field.Invalid(path, value, "not a decimal integer"))
	}
	if n.Sign() < 0 {
		return append(errs, field.Invalid(path, value, "must not be negative"))
	}
	return errs
}

func validateSignature(path *field.Path, value string, errs field.ErrorList) field.ErrorList {
	if value == "" {
		return append(errs, field.Required(path, "signature is required"))
	}
	raw := strings.TrimPrefix(value, "0x")
	if len(raw) != 130 {
		return append(errs, field.Invalid(path, value, "signature must be 65 bytes of hex"))
	}
	if _, ok := new(big.Int).SetString(raw, 16); !ok {
		return append(errs, field.Invalid(path, value, "signature is not valid hex"))
	}
	return errs
}

func validateExecutor(path *field.Path, value string, errs field.ErrorList) field.ErrorList {
	if value == "" || strings.EqualFold(value, "any") {
		return errs
	}
	if !common.IsHexAddress(value) {
		return append(errs, field.Invalid(path, value, "executor must be an address or \"any\""))
	}
	return errs
}

// Validate checks every field of a pay request.
func (r *PayRequest) Validate() error {
	var errs field.ErrorList
	errs = validateAddress(field.NewPath("from"), r.From, errs)
	errs = validateAddress(field.NewPath("to"), r.To, errs)
	errs = validateAddress(field.NewPath("token"), r.Token, errs)
	errs = validateAmount(field.NewPath("amount"), r.Amount, errs)
	errs = validateAmount(field.NewPath("priorityFee"), r.PriorityFee, errs)
	errs = validateAmount(field.NewPath("nonce"), r.Nonce, errs)
	errs = validateSignature(field.NewPath("signature"), r.Signature, errs)
	errs = validateExecutor(field.NewPath("executor"), r.Executor, errs)
	if len(errs) > 0 {
		return errs.ToAggregate()
	}
	return nil
}

// Validate checks every field of a disperse request, including each recipient.
func (r *DisperseRequest) Validate() error {
	var errs field.ErrorList
	errs = validateAddress(field.NewPath("from"), r.From, errs)
	errs = validateAddress(field.NewPath("token"), r.Token, errs)
	errs = validateAmount(field.NewPath("amount"), r.Amount, errs)
	errs = validateAmount(field.NewPath("priorityFee"), r.PriorityFee, errs)
	errs = validateAmount(field.NewPath("nonce"), r.Nonce, errs)
	errs = validateSignature(field.NewPath("signature"), r.Signature, errs)
	errs = validateExecutor(field.NewPath("executor"), r.Executor, errs)
	if len(r.Recipients) == 0 {
		errs = append(errs, field.Required(field.NewPath("recipients"), "at least one recipient is required"))
	}
	for i, rcpt := range r.Recipients {
		p := field.NewPath("recipients").Index(i)
		errs = validateAmount(p.Child("amount"), rcpt.Amount, errs)
		errs = validateAddress(p.Child("to_address"), rcpt.ToAddress, errs)
	}
	if len(errs) > 0 {
		return errs.ToAggregate()
	}
	return nil
}

// Validate checks every field of a claim request.
func (r *ClaimRequest) Validate() error {
	var errs field.ErrorList
	if r.Token == "" {
		errs = append(errs, field.Required(field.NewPath("token"), "token kind is required"))
	} else if !KnownTokenKind(TokenKind(strings.ToLower(r.Token))) {
		errs = append(errs, field.NotSupported(field.NewPath("token"), r.Token, []string{
			string(TokenKindMate),
			string(TokenKindPyusd),
		}))
	}
	errs = validateAddress(field.NewPath("claimer"), r.Claimer, errs)
	errs = validateAmount(field.NewPath("nonce"), r.Nonce, errs)
	errs = validateSignature(field.NewPath("signature"), r.Signature, errs)
	if len(errs) > 0 {
		return errs.ToAggregate()
	}
	return nil
}

func parseSignature(value string) []byte {
	return common.FromHex(value)
}

func parseExecutor(value string) common.Address {
	if value == "" || strings.EqualFold(value, "any") {
		return common.Address{}
	}
	return common.HexToAddress(value)
}

func nonceModeFromFlag(priorityFlag bool) NonceMode {
	if priorityFlag {
		return NonceModeUnique
	}
	return NonceModeSequential
}

// ToAuthorization converts a validated pay request into an Authorization.
// Call Validate first; conversion assumes well-formed fields.
func (r *PayRequest) ToAuthorization() *Authorization {
	amount, _ := new(big.Int).SetString(r.Amount, 10)
	fee, _ := new(big.Int).SetString(r.PriorityFee, 10)
	nonce, _ := new(big.Int).SetString(r.Nonce, 10)

	return &Authorization{
		Kind:        OperationPay,
		Sender:      common.HexToAddress(r.From),
		To:          common.HexToAddress(r.To),
		Token:       common.HexToAddress(r.Token),
		Amount:      amount,
		PriorityFee: fee,
		Nonce:       nonce,
		NonceMode:   nonceModeFromFlag(r.PriorityFlag),
		Executor:    parseExecutor(r.Executor),
		Signature:   parseSignature(r.Signature),
	}
}

// ToAuthorization converts a validated disperse request into an Authorization.
func (r *DisperseRequest) ToAuthorization() *Authorization {
	amount, _ := new(big.Int).SetString(r.Amount, 10)
	fee, _ := new(big.Int).SetString(r.PriorityFee, 10)
	nonce, _ := new(big.Int).SetString(r.Nonce, 10)

	recipients := make([]Recipient, 0, len(r.Recipients))
	for _, rcpt := range r.Recipients {
		rAmount, _ := new(big.Int).SetString(rcpt.Amount, 10)
		recipients = append(recipients, Recipient{
			Amount:  rAmount,
			Address: common.HexToAddress(rcpt.ToAddress),
			Label:   rcpt.ToIdentity,
		})
	}

	return &Authorization{
		Kind:        OperationDisperse,
		Sender:      common.HexToAddress(r.From),
		Token:       common.HexToAddress(r.Token),
		Amount:      amount,
		Recipients:  recipients,
		PriorityFee: fee,
		Nonce:       nonce,
		NonceMode:   nonceModeFromFlag(r.PriorityFlag),
		Executor:    parseExecutor(r.Executor),
		Signature:   parseSignature(r.Signature),
	}
}

// ToAuthorization converts a validated claim request into an Authorization.
func (r *ClaimRequest) ToAuthorization() *Authorization {
	nonce, _ := new(big.Int).SetString(r.Nonce, 10)

	return &Authorization{
		Kind:      OperationClaim,
		Sender:    common.HexToAddress(r.Claimer),
		TokenKind: TokenKind(strings.ToLower(r.Token)),
		Nonce:     nonce,
		NonceMode: NonceModeUnique,
		Signature: parseSignature(r.Signature),
	}
}
