package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

const idempotencyDomain = "planwright/statement/v1"

// IdempotencyKey derives the submission key of a statement. The same plan id,
// version, statement number and SQL text always give the same key; changing
// any of them changes it.
func IdempotencyKey(planID string, planVersion, statementNumber int, sql string) string {
	sqlSum := sha256.Sum256([]byte(sql))

	h := sha256.New()
	h.Write([]byte(idempotencyDomain))
	for _, part := range []string{
		planID,
		strconv.Itoa(planVersion),
		strconv.Itoa(statementNumber),
		hex.EncodeToString(sqlSum[:]),
	} {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}
