package page

import (
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

// EncodeDecimal serializes d as a clustered-leaf record value: an
// 8-byte big-endian exponent, a sign byte, then the coefficient's
// unsigned magnitude bytes. This preserves exact decimal arithmetic
// end to end rather than round-tripping through float64 (spec §4.4
// "leaves of a clustered index store full rows").
func EncodeDecimal(d decimal.Decimal) []byte {
	coeff := d.Coefficient()
	mag := coeff.Bytes()
	buf := make([]byte, 8+1+len(mag))
	binary.BigEndian.PutUint64(buf[0:8], uint64(int64(d.Exponent())))
	if coeff.Sign() < 0 {
		buf[8] = 1
	}
	copy(buf[9:], mag)
	return buf
}

// DecodeDecimal reverses EncodeDecimal.
func DecodeDecimal(buf []byte) (decimal.Decimal, error) {
	if len(buf) < 9 {
		return decimal.Decimal{}, errors.Wrap(common.ErrPageCorruption, "page: truncated decimal value")
	}
	exp := int32(int64(binary.BigEndian.Uint64(buf[0:8])))
	coeff := new(big.Int).SetBytes(buf[9:])
	if buf[8] == 1 {
		coeff.Neg(coeff)
	}
	return decimal.NewFromBigInt(coeff, exp), nil
}
