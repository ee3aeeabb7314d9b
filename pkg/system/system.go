package system

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"drydock/pkg/config"
	"drydock/pkg/container"
	"drydock/pkg/metrics"
	"drydock/pkg/sandbox"
	"drydock/pkg/state"
)

var log = logrus.WithField("component", "system")

// Version is reported by system info and by the root command.
const Version = "0.4.0"

// Info is the document behind system info.
type Info struct {
	Version           string  `json:"Version"`
	StorageRoot       string  `json:"StorageRoot"`
	Isolation         string  `json:"Isolation"`
	Containers        int     `json:"Containers"`
	ContainersRunning int     `json:"ContainersRunning"`
	ContainersStopped int     `json:"ContainersStopped"`
	Images            int     `json:"Images"`
	Volumes           int     `json:"Volumes"`
	Layers            int     `json:"Layers"`
	OperatingSystem   string  `json:"OperatingSystem"`
	KernelVersion     string  `json:"KernelVersion"`
	Architecture      string  `json:"Architecture"`
	NCPU              int     `json:"NCPU"`
	MemoryUsageMB     float64 `json:"MemoryUsageMB"`
	Hostname          string  `json:"Name"`
}

// CollectInfo gathers the runtime and host facts for system info.
func CollectInfo(cfg *config.Config, mgr *container.Manager) (*Info, error) {
	info := &Info{
		Version:       Version,
		StorageRoot:   cfg.Root,
		Isolation:     sandbox.DefaultMechanism(),
		NCPU:          runtime.NumCPU(),
		MemoryUsageMB: metrics.MemoryUsageMB(),
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, fmt.Errorf("failed to read uname: %w", err)
	}
	info.OperatingSystem = unix.ByteSliceToString(uts.Sysname[:])
	info.KernelVersion = unix.ByteSliceToString(uts.Release[:])
	info.Architecture = unix.ByteSliceToString(uts.Machine[:])
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	records, err := mgr.Store().ListContainers()
	if err != nil {
		return nil, err
	}
	info.Containers = len(records)
	for _, rec := range records {
		st, err := mgr.Supervisor().Refresh(rec.ID)
		if err != nil {
			continue
		}
		if st.Status == state.StatusRunning {
			info.ContainersRunning++
		} else {
			info.ContainersStopped++
		}
	}

	images, err := mgr.Images().List()
	if err != nil {
		return nil, err
	}
	info.Images = len(images)

	volumes, err := mgr.Volumes().List()
	if err != nil {
		return nil, err
	}
	info.Volumes = len(volumes)

	_, layerCount, err := mgr.Layers().DiskUsage()
	if err != nil {
		return nil, err
	}
	info.Layers = layerCount

	return info, nil
}

// Usage is one row of the system df report.
type Usage struct {
	Type        string `json:"Type"`
	Count       int    `json:"Count"`
	Active      int    `json:"Active"`
	Size        int64  `json:"Size"`
	Reclaimable int64  `json:"Reclaimable"`
}

// CollectDiskUsage reports per-kind storage consumption. Image sizes count
// shared layers once per image, so the layer store row is the ground truth
// for bytes on disk.
func CollectDiskUsage(cfg *config.Config, mgr *container.Manager) ([]Usage, error) {
	records, err := mgr.Store().ListContainers()
	if err != nil {
		return nil, err
	}
	images, err := mgr.Images().List()
	if err != nil {
		return nil, err
	}
	volumes, err := mgr.Volumes().List()
	if err != nil {
		return nil, err
	}

	usedImages := make(map[string]struct{})
	liveLayers := make(map[string]struct{})
	for _, rec := range records {
		usedImages[rec.ImageID] = struct{}{}
		for _, l := range rec.Layers {
			liveLayers[l] = struct{}{}
		}
	}

	imageRow := Usage{Type: "Images", Count: len(images)}
	for _, img := range images {
		imageRow.Size += img.Size
		if _, used := usedImages[img.ID]; used {
			imageRow.Active++
		} else {
			imageRow.Reclaimable += img.Size
		}
		for _, diffID := range img.DiffIDs {
			liveLayers[diffID] = struct{}{}
		}
	}

	containerRow := Usage{Type: "Containers", Count: len(records)}
	for _, rec := range records {
		size := dirSize(cfg.GetContainerDir(rec.ID))
		containerRow.Size += size
		st, err := mgr.Supervisor().Refresh(rec.ID)
		if err == nil && st.Status == state.StatusRunning {
			containerRow.Active++
		} else {
			containerRow.Reclaimable += size
		}
	}

	volumeRow := Usage{Type: "Local Volumes", Count: len(volumes)}
	for _, vol := range volumes {
		size := dirSize(cfg.GetVolumeDir(vol.Name))
		volumeRow.Size += size
		used, err := mgr.Volumes().InUse(vol.Name)
		if err == nil && used {
			volumeRow.Active++
		} else {
			volumeRow.Reclaimable += size
		}
	}

	totalSize, layerCount, err := mgr.Layers().DiskUsage()
	if err != nil {
		return nil, err
	}
	layerRow := Usage{Type: "Layer Store", Count: layerCount, Size: totalSize}
	var liveSize int64
	for diffID := range liveLayers {
		if info, err := mgr.Layers().Info(digest.Digest(diffID), ""); err == nil {
			liveSize += info.Size
			layerRow.Active++
		}
	}
	if totalSize > liveSize {
		layerRow.Reclaimable = totalSize - liveSize
	}

	return []Usage{imageRow, containerRow, volumeRow, layerRow}, nil
}

// PruneResult says what Prune removed.
type PruneResult struct {
	ContainersDeleted []string
	VolumesDeleted    []string
	LayersDeleted     int
	SpaceReclaimed    int64
}

// Prune removes every stopped container, then layers no image or surviving
// container references, and unused volumes when asked. Failures on single
// items are collected, not fatal.
func Prune(ctx context.Context, cfg *config.Config, mgr *container.Manager, pruneVolumes bool) (*PruneResult, error) {
	timer := metrics.NewTimer("system prune")
	defer timer.Stop()

	result := &PruneResult{}
	var errs *multierror.Error

	records, err := mgr.Store().ListContainers()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		st, err := mgr.Supervisor().Refresh(rec.ID)
		if err != nil || st.Status == state.StatusRunning {
			continue
		}
		size := dirSize(cfg.GetContainerDir(rec.ID))
		if err := mgr.Remove(ctx, rec.ID, false, false); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("container %s: %w", rec.Name, err))
			continue
		}
		result.ContainersDeleted = append(result.ContainersDeleted, rec.ID)
		result.SpaceReclaimed += size
	}

	layersBefore, _, err := mgr.Layers().DiskUsage()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	removed, err := mgr.Images().CollectGarbage()
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("layer garbage collection: %w", err))
	} else {
		result.LayersDeleted = removed
		if layersAfter, _, err := mgr.Layers().DiskUsage(); err == nil && layersBefore > layersAfter {
			result.SpaceReclaimed += layersBefore - layersAfter
		}
	}

	if pruneVolumes {
		volumes, err := mgr.Volumes().List()
		if err != nil {
			errs = multierror.Append(errs, err)
		} else {
			sizes := make(map[string]int64, len(volumes))
			for _, vol := range volumes {
				sizes[vol.Name] = dirSize(cfg.GetVolumeDir(vol.Name))
			}
			removed, err := mgr.Volumes().Prune()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("volume prune: %w", err))
			}
			for _, name := range removed {
				result.VolumesDeleted = append(result.VolumesDeleted, name)
				result.SpaceReclaimed += sizes[name]
			}
		}
	}

	log.WithFields(logrus.Fields{
		"containers": len(result.ContainersDeleted),
		"volumes":    len(result.VolumesDeleted),
		"layers":     result.LayersDeleted,
	}).Debug("Prune finished")
	return result, errs.ErrorOrNil()
}

// dirSize sums the regular files under path. Unreadable entries count as
// zero rather than failing the report.
func dirSize(path string) int64 {
	var total int64
	filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
