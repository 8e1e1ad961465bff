package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhoneKey(t *testing.T) {
	assert.Equal(t, "5512345678", PhoneKey("+52 1 (55) 1234-5678"))
	assert.Equal(t, "5512345678", PhoneKey("5512345678"))
	assert.Equal(t, "12345", PhoneKey("123-45"))
	assert.Equal(t, "", PhoneKey(""))
}

func TestDialNumber(t *testing.T) {
	assert.Equal(t, "+525512345678", DialNumber("55 1234 5678"))
	assert.Equal(t, "+14155550100", DialNumber("+1 (415) 555-0100"))
	assert.Equal(t, "", DialNumber("n/a"))
}
