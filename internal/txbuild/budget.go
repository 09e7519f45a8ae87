package txbuild

import (
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
)

// ComputeBudgetProgramID 为计算预算程序地址。
var ComputeBudgetProgramID = computebudget.ProgramID

// SetComputeUnitLimit 构造计算单元上限指令，units 必须位于 (0, 1.4M]。
func SetComputeUnitLimit(units uint32) (solana.Instruction, error) {
	ix, err := computebudget.NewSetComputeUnitLimitInstruction(units).ValidateAndBuild()
	if err != nil {
		return nil, err
	}
	return ix, nil
}

// SetComputeUnitPrice 构造计算单元价格指令，单位为 micro-lamports。
// 显式的零价格同样会被编码。
func SetComputeUnitPrice(microLamports uint64) (solana.Instruction, error) {
	return computebudget.NewSetComputeUnitPriceInstruction(microLamports).Build(), nil
}

// IsComputeBudget 判断指令是否属于计算预算程序。
func IsComputeBudget(ix solana.Instruction) bool {
	return ix.ProgramID().Equals(computebudget.ProgramID)
}
