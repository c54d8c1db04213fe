package taproot

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PunishmentRecord is a minimal two-output penalty transaction keyed by
// the punished outpoint: 90% of the amount to the penalty script, 10% as a
// separate output. It shares the signer/broadcaster contract with the
// challenge flow but is otherwise independent of it.
type PunishmentRecord struct {
	PrevOut    wire.OutPoint
	AmountSats int64
	MainSats   int64
	SplitSats  int64
	Tx         *wire.MsgTx
	Packet     *psbt.Packet
}

// BuildPunishment constructs the unsigned penalty spend of prevOut.
// Fails with ErrInsufficientAmount when the amount cannot fund both
// outputs.
func BuildPunishment(prevOut wire.OutPoint, amountSats int64, penaltyPub *btcec.PublicKey) (*PunishmentRecord, error) {
	if penaltyPub == nil {
		return nil, errors.New("penalty pubkey required")
	}
	if amountSats < 10 {
		return nil, fmt.Errorf("%w: amount=%d too small to split", ErrInsufficientAmount, amountSats)
	}

	penaltyScript, err := txscript.NewScriptBuilder().
		AddData(penaltyPub.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, fmt.Errorf("compile penalty script: %w", err)
	}

	mainSats := amountSats * 9 / 10
	splitSats := amountSats - mainSats

	tx := wire.NewMsgTx(spendTxVersion)
	tx.AddTxIn(wire.NewTxIn(&prevOut, nil, nil))
	tx.AddTxOut(wire.NewTxOut(mainSats, penaltyScript))
	tx.AddTxOut(wire.NewTxOut(splitSats, penaltyScript))

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("psbt from punishment tx: %w", err)
	}
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(amountSats, penaltyScript)

	return &PunishmentRecord{
		PrevOut:    prevOut,
		AmountSats: amountSats,
		MainSats:   mainSats,
		SplitSats:  splitSats,
		Tx:         tx,
		Packet:     packet,
	}, nil
}
