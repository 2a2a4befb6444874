// Package image provides an SD host controller backed by a disk image file.
//
// Inserting and removing a card is done by creating and deleting the image:
//
//	ctrl := image.New("/var/lib/sdhsim/slot0.img", 512, false)
//	image.CreateImage(ctrl.Path(), 2048, 512) // card-detect, card present
//	os.Remove(ctrl.Path())                    // card-detect, card absent
//
// The image's directory is watched with fsnotify once the controller is
// opened. Every change of presence latches the card-detect flag, drives the
// detect level (high when no image exists) and raises the interrupt line,
// so the driver core sees the same sequence real hardware produces. Rescan
// samples the image on demand for platforms where notifications are
// unreliable.
package image
