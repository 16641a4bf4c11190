package client

import (
	"encoding/json"

	pkgerrors "github.com/pkg/errors"

	"github.com/dashkit/camd/pkg/config"
	"github.com/dashkit/camd/pkg/power"
	"github.com/dashkit/camd/pkg/types"
)

func (c *Client) GetStatus() (*types.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}

	var st types.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal status")
	}
	return &st, nil
}

func (c *Client) GetPower() (*power.Reading, error) {
	ret, err := c.Get("/power")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get power reading")
	}

	var r power.Reading
	if err := json.Unmarshal([]byte(ret), &r); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal power reading")
	}
	return &r, nil
}

func (c *Client) GetConfig() (*config.Config, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.Config
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}
	return &conf, nil
}

func (c *Client) ForceTransfer() (*types.TransferRequest, error) {
	ret, err := c.Post("/transfer", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to request transfer")
	}

	var tr types.TransferRequest
	if err := json.Unmarshal([]byte(ret), &tr); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal transfer response")
	}
	return &tr, nil
}

func (c *Client) GetVersion() (map[string]string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get version")
	}

	v := map[string]string{}
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal version")
	}
	return v, nil
}
