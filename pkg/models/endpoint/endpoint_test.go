package endpoint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-pooling/bouncerop/pkg/models/endpoint"
)

func TestParse(t *testing.T) {
	assert := assert.New(t)

	ep, err := endpoint.Parse("10.180.162.236:5432")
	assert.NoError(err)
	assert.Equal(endpoint.Endpoint{Host: "10.180.162.236", Port: "5432"}, ep)

	_, err = endpoint.Parse("10.180.162.236")
	assert.Error(err)

	_, err = endpoint.Parse("")
	assert.Error(err)
}

func TestParseList(t *testing.T) {
	assert := assert.New(t)

	eps, err := endpoint.ParseList("10.0.0.2:5432,10.0.0.3:5432")
	assert.NoError(err)
	assert.Len(eps, 2)
	assert.Equal("10.0.0.2,10.0.0.3", endpoint.Hosts(eps))
	assert.Equal("5432", endpoint.FirstPort(eps))

	eps, err = endpoint.ParseList("")
	assert.NoError(err)
	assert.Empty(eps)
	assert.Equal("", endpoint.FirstPort(eps))
}
