// Package stats computes per-region summary statistics over co-registered
// diffusion metric volumes.
package stats

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"regionalmetrics/pkg/volume"
)

// RegionStat holds the mean diffusion metrics over one atlas region.
type RegionStat struct {
	MeanFA float64
	MeanMD float64
}

// Extract computes, for every distinct nonzero label value present in the
// warped label volume, the mean FA and mean MD over that region's voxels.
// Label value 0 is background and never reported.
//
// All three volumes must share the same voxel grid. This is checked up
// front: a silent mismatch would otherwise pair voxels from unrelated
// anatomy.
func Extract(labels, fa, md *volume.Volume) (map[int]RegionStat, error) {
	if !labels.SameGrid(fa) {
		return nil, fmt.Errorf("label grid %dx%dx%d does not match FA grid %dx%dx%d",
			labels.Nx, labels.Ny, labels.Nz, fa.Nx, fa.Ny, fa.Nz)
	}
	if !labels.SameGrid(md) {
		return nil, fmt.Errorf("label grid %dx%dx%d does not match MD grid %dx%dx%d",
			labels.Nx, labels.Ny, labels.Nz, md.Nx, md.Ny, md.Nz)
	}

	// Gather per-region voxel values in one pass. Label values are
	// truncated to int, matching their categorical nature.
	faByRegion := make(map[int][]float64)
	mdByRegion := make(map[int][]float64)
	for i, lbl := range labels.Data {
		region := int(lbl)
		if region == 0 {
			continue
		}
		faByRegion[region] = append(faByRegion[region], fa.Data[i])
		mdByRegion[region] = append(mdByRegion[region], md.Data[i])
	}

	result := make(map[int]RegionStat, len(faByRegion))
	for region, faValues := range faByRegion {
		result[region] = RegionStat{
			MeanFA: stat.Mean(faValues, nil),
			MeanMD: stat.Mean(mdByRegion[region], nil),
		}
	}

	return result, nil
}

// Regions returns the region identifiers of a stats map in ascending
// order, giving the report a deterministic row order.
func Regions(stats map[int]RegionStat) []int {
	regions := make([]int, 0, len(stats))
	for r := range stats {
		regions = append(regions, r)
	}
	sort.Ints(regions)
	return regions
}
