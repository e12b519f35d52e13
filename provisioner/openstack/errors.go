package openstack

import (
	"errors"
	"fmt"

	"github.com/gammadia/cumulus/cloud"
	"github.com/gophercloud/gophercloud"
)

// translate maps gophercloud HTTP errors to the provider-neutral sentinels.
func translate(action string, err error) error {
	if err == nil {
		return nil
	}

	var (
		unauthorized gophercloud.ErrDefault401
		forbidden    gophercloud.ErrDefault403
		notFound     gophercloud.ErrDefault404
	)
	switch {
	case errors.As(err, &unauthorized):
		return fmt.Errorf("failed to %s: %w", action, cloud.ErrAuth)
	case errors.As(err, &forbidden):
		return cloud.ActionFailed(action, fmt.Errorf("%w: %v", cloud.ErrForbidden, err))
	case errors.As(err, &notFound):
		return cloud.ActionFailed(action, fmt.Errorf("%w: %v", cloud.ErrNotFound, err))
	default:
		return cloud.ActionFailed(action, err)
	}
}

func isNotFound(err error) bool {
	var notFound gophercloud.ErrDefault404
	return errors.As(err, &notFound)
}

func isForbidden(err error) bool {
	var forbidden gophercloud.ErrDefault403
	return errors.As(err, &forbidden)
}
