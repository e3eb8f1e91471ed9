package search

import (
	"github.com/sirupsen/logrus"

	"github.com/yourorg/catalog-search/internal/config"
)

// NewFromConfig builds a Client for the elastic section of the config.
func NewFromConfig(e config.ElasticConfig, log logrus.FieldLogger) (*Client, error) {
	return New(Config{
		Nodes:          e.Nodes,
		Username:       e.Username,
		Password:       e.Password,
		ProductsIndex:  e.ProductsIndex,
		LogsIndex:      e.LogsIndex,
		RequestTimeout: e.RequestTimeout,
		MaxRetries:     e.MaxRetries,
	}, log)
}
