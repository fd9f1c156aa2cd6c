package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/srand/slicer/pkg/controller"
	"github.com/srand/slicer/pkg/utils"
)

func DefaultDeadlineContext() (context.Context, func()) {
	return context.WithDeadline(context.Background(), time.Now().Add(time.Second*30))
}

// GET a controller API path and decode the JSON response into v.
func getJSON(ctx context.Context, path string, v interface{}) error {
	url := strings.TrimSuffix(configData.ControllerHttpUri, "/") + path

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		apiErr := &controller.Error{}
		if json.NewDecoder(response.Body).Decode(apiErr) == nil && apiErr.Message != "" {
			if response.StatusCode == http.StatusNotFound {
				return utils.Wrap(utils.ErrNotFound, "%s", apiErr.Message)
			}
			return fmt.Errorf("%s: %s", response.Status, apiErr.Message)
		}
		return fmt.Errorf("%s: %s", url, response.Status)
	}

	return json.NewDecoder(response.Body).Decode(v)
}
