package rpcerr

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		code   int
		reason Reason
		domain Domain
	}{
		{-32700, ReasonParseError, DomainRequest},
		{-32600, ReasonInvalidRequest, DomainRequest},
		{-32601, ReasonMethodNotFound, DomainRequest},
		{-32602, ReasonInvalidParams, DomainRequest},
		{-32603, ReasonInternalError, DomainRequest},
		{-32050, ReasonServerError, DomainRequest},
		{-31007, ReasonSystemTimeout, DomainRequest},
		{-31003, ReasonSystemError, DomainRequest},
		{-30005, ReasonScoreSpecific, DomainContract},
		{-30500, ReasonScoreReverted, DomainContract},
	}
	for _, c := range cases {
		err := Classify(c.code, "msg", nil)
		if err.Reason != c.reason || err.Domain != c.domain {
			t.Errorf("Classify(%d) = (%s, %s), want (%s, %s)", c.code, err.Reason, err.Domain, c.reason, c.domain)
		}
	}
}

func TestInvalidParamsHelper(t *testing.T) {
	err := InvalidParams("height is invalid")
	if err.Reason != ReasonInvalidParams {
		t.Errorf("expected invalid_params reason, got %s", err.Reason)
	}
	if err.Error() == "" {
		t.Error("Error() should not be empty")
	}
}
