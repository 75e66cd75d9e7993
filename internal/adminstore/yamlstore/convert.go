package yamlstore

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

func decodeCredential(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode credential_ciphertext_b64: %w", err)
	}
	return data, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func toModelPrice(p yamlModelPrice) (model.ModelPrice, error) {
	in, err := decimal.NewFromString(p.InputPricePerMTok)
	if err != nil {
		return model.ModelPrice{}, fmt.Errorf("model %s: input_price_per_mtok: %w", p.Model, err)
	}
	out, err := decimal.NewFromString(p.OutputPricePerMTok)
	if err != nil {
		return model.ModelPrice{}, fmt.Errorf("model %s: output_price_per_mtok: %w", p.Model, err)
	}
	return model.ModelPrice{
		Model:              p.Model,
		InputPricePerMTok:  in,
		OutputPricePerMTok: out,
	}, nil
}
