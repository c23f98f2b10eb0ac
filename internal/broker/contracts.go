package broker

import "fmt"

// UnknownSymbolError is returned for symbols with no contract mapping.
// Detected locally, before any network call.
type UnknownSymbolError struct {
	Symbol string
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("Unknown symbol: %s", e.Symbol)
}

// contractTable maps instrument symbols to gateway contract identifiers.
// TODO: roll contract months forward at expiry (currently pinned to Z25).
var contractTable = map[string]string{
	"ES":  "CON.F.US.EP.Z25",
	"NQ":  "CON.F.US.ENQ.Z25",
	"MES": "CON.F.US.MES.Z25",
	"MNQ": "CON.F.US.MNQ.Z25",
	"RTY": "CON.F.US.RTY.Z25",
	"YM":  "CON.F.US.YM.Z25",
	"CL":  "CON.F.US.CLE.Z25",
	"MCL": "CON.F.US.MCLE.Z25",
	"GC":  "CON.F.US.GCE.Z25",
	"MGC": "CON.F.US.MGC.Z25",
	"SI":  "CON.F.US.SIE.Z25",
	"NG":  "CON.F.US.NGE.Z25",
}

// ContractID resolves an instrument symbol to its gateway contract identifier
func ContractID(symbol string) (string, error) {
	id, ok := contractTable[symbol]
	if !ok {
		return "", &UnknownSymbolError{Symbol: symbol}
	}
	return id, nil
}

// SymbolForContract is the reverse lookup, used when normalizing realtime
// events that carry contract identifiers. Falls back to the raw identifier
// for contracts outside the table.
func SymbolForContract(contractID string) string {
	for symbol, id := range contractTable {
		if id == contractID {
			return symbol
		}
	}
	return contractID
}
