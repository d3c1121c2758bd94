package engine

import (
	"fmt"

	"github.com/Fantasim/rebalancer/internal/models"
)

// field identifies a RebalanceJob field by name, for the required-field
// contract below. Using the JSON tag name keeps error messages aligned with
// what an operator sees in the persisted document.
type field string

const (
	fSrcToken         field = "srcToken"
	fSrcTokenAddress  field = "srcTokenAddress"
	fDstToken         field = "dstToken"
	fDstTokenAddress  field = "dstTokenAddress"
	fAmountOut        field = "amountOut"
	fSCWithdrawTxs    field = "scWithdrawTxs"
	fSCWithdrawTxID   field = "scWithdrawTxId"
	fOutTxs           field = "outTxs"
	fOutTxID          field = "outTxId"
	fDepositID        field = "depositId"
	fClientOrderID    field = "clientOrderId"
	fOrderID          field = "orderId"
	fPrice            field = "price"
	fAmountIn         field = "amountIn"
	fClientTransferID field = "clientTransferId"
	fTransferID       field = "transferId"
	fReceivingAddress field = "receivingAddress"
	fWithdrawalFee    field = "withdrawalFee"
	fWithdrawalID     field = "withdrawalId"
	fInTxID           field = "inTxId"
	fSCDepositTxs     field = "scDepositTxs"
	fSCDepositTxID    field = "scDepositTxId"
	fRetryAt          field = "retryAt"
	fRetryState       field = "retryState"
)

// RequiredFields lists, per state, every field that must be non-zero once a
// job has entered that state: the job's identifying fields (srcToken,
// dstToken, amountOut) plus fields specific to that state. The sets are not
// cumulative: a field recorded by an earlier state is not necessarily
// listed for the states after it.
var RequiredFields = map[models.RebalanceState][]field{
	models.StateIdle:      {},
	models.StateTriggered: {fSrcToken, fDstToken, fAmountOut},
	models.StateSCWithdrawing: {
		fSrcToken, fDstToken, fAmountOut, fSCWithdrawTxs,
	},
	models.StateSCWithdrawalConfirmed: {
		fSrcToken, fDstToken, fAmountOut, fSCWithdrawTxID,
	},
	models.StateOutTx: {
		fSrcToken, fDstToken, fAmountOut, fOutTxs,
	},
	models.StateOutTxConfirmed: {
		fSrcToken, fDstToken, fAmountOut, fOutTxID,
	},
	models.StateDepositReceived: {
		fSrcToken, fDstToken, fAmountOut, fDepositID,
	},
	models.StateTradeExecuting: {
		fSrcToken, fDstToken, fAmountOut, fDepositID, fClientOrderID,
	},
	models.StateTradeExecuted: {
		fSrcToken, fDstToken, fAmountOut, fOrderID, fPrice, fAmountIn,
	},
	models.StateFundsTransfering: {
		fSrcToken, fDstToken, fAmountOut, fAmountIn, fClientTransferID,
	},
	models.StateFundsTransfered: {
		fSrcToken, fDstToken, fAmountOut, fAmountIn, fTransferID,
	},
	models.StateWithdrawing: {
		fSrcToken, fDstToken, fAmountOut, fAmountIn,
		fReceivingAddress, fWithdrawalFee, fWithdrawalID,
	},
	models.StateWithdrawalSent: {
		fSrcToken, fDstToken, fAmountOut, fAmountIn, fWithdrawalFee, fInTxID,
	},
	models.StateInTxConfirmed: {
		fSrcToken, fDstToken, fAmountOut, fAmountIn, fWithdrawalFee,
	},
	models.StateSCDepositing: {
		fSrcToken, fDstToken, fAmountOut, fAmountIn, fWithdrawalFee, fSCDepositTxs,
	},
	models.StateSCDeposited: {
		fSrcToken, fDstToken, fAmountOut, fAmountIn, fWithdrawalFee, fSCDepositTxID,
	},
	models.StateFinished:  {},
	models.StateRetrying:  {fRetryAt, fRetryState},
}

// checkRequiredFields panics on a missing field: a required-field violation
// at a state transition is a programmer error, not a recoverable
// condition, and must abort loudly rather than silently persist a
// malformed document.
func checkRequiredFields(job *models.RebalanceJob) {
	want, ok := RequiredFields[job.State]
	if !ok {
		panic(fmt.Sprintf("engine: unknown state %q", job.State))
	}
	for _, f := range want {
		if !fieldPresent(job, f) {
			panic(fmt.Sprintf("engine: required field %q missing for state %q (job %s)", f, job.State, job.JobID))
		}
	}
}

func fieldPresent(job *models.RebalanceJob, f field) bool {
	switch f {
	case fSrcToken:
		return job.SrcToken != ""
	case fSrcTokenAddress:
		return job.SrcTokenAddress != ""
	case fDstToken:
		return job.DstToken != ""
	case fDstTokenAddress:
		return job.DstTokenAddress != ""
	case fAmountOut:
		return job.AmountOut != nil
	case fSCWithdrawTxs:
		return len(job.SCWithdrawTxs) > 0
	case fSCWithdrawTxID:
		return job.SCWithdrawTxID != ""
	case fOutTxs:
		return len(job.OutTxs) > 0
	case fOutTxID:
		return job.OutTxID != ""
	case fDepositID:
		return job.DepositID != ""
	case fClientOrderID:
		return job.ClientOrderID != ""
	case fOrderID:
		return job.OrderID != ""
	case fPrice:
		return job.Price != 0
	case fAmountIn:
		return job.AmountIn != nil
	case fClientTransferID:
		return job.ClientTransferID != ""
	case fTransferID:
		return job.TransferID != ""
	case fReceivingAddress:
		return job.ReceivingAddress != ""
	case fWithdrawalFee:
		return job.WithdrawalFee != nil
	case fWithdrawalID:
		return job.WithdrawalID != ""
	case fInTxID:
		return job.InTxID != ""
	case fSCDepositTxs:
		return len(job.SCDepositTxs) > 0
	case fSCDepositTxID:
		return job.SCDepositTxID != ""
	case fRetryAt:
		return job.RetryAt != 0
	case fRetryState:
		return job.RetryState != ""
	default:
		return false
	}
}
