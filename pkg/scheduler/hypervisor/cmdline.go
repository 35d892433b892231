package hypervisor

import "fmt"

// BuildArgs assembles the qemu-system-x86_64 argument list for spec,
// controlled over socketPath, following the fixed flag ordering AMD SEV-
// SNP confidential VMs require.
func BuildArgs(spec VmSpec, socketPath string) []string {
	var args []string

	if spec.EnableCVM {
		args = append(args,
			"-machine", "confidential-guest-support=sev0,vmport=off",
			"-object", "sev-snp-guest,id=sev0,cbitpos=51,reduced-phys-bits=1,kernel-hashes=on",
		)
	}

	if spec.DisplayGTK {
		args = append(args, "-vga", "virtio-vga", "-display", "gtk,gl=off")
	} else {
		args = append(args, "-display", "none")
	}

	args = append(args,
		"-enable-kvm",
		"-no-reboot",
		"-daemonize",
		"-cpu", "EPYC-v4",
		"-smp", fmt.Sprintf("%d", spec.CPU),
		"-m", fmt.Sprintf("%dM", spec.RAMMiB),
		"-machine", "q35,accel=kvm",
		"-fw_cfg", "opt/ovmf/X-PciMmio64Mb,string=151072",
		"-chardev", fmt.Sprintf("socket,id=qmp,path=%s,server=on,wait=off", socketPath),
		"-mon", "chardev=qmp,mode=control",
	)

	if spec.BIOS != "" {
		args = append(args, "-bios", spec.BIOS)
	}
	if spec.Initrd != "" {
		args = append(args, "-initrd", spec.Initrd)
	}
	if spec.Kernel != "" {
		args = append(args, "-kernel", spec.Kernel)
	}
	if spec.KernelArgs != "" {
		args = append(args, "-append", spec.KernelArgs)
	}

	diskIndex := 0
	for _, disk := range spec.HardDisks {
		driveArg := fmt.Sprintf("file=%s,if=none,id=disk%d,format=%s", disk.Path, diskIndex, disk.Format)
		if disk.ReadOnly {
			driveArg += ",read-only=on"
		}
		args = append(args,
			"-drive", driveArg,
			"-device", fmt.Sprintf("virtio-scsi-pci,id=scsi%d,disable-legacy=on,iommu_platform=true", diskIndex),
			"-device", fmt.Sprintf("scsi-hd,drive=disk%d", diskIndex),
		)
		diskIndex++
	}

	if spec.CDROMISO != "" {
		args = append(args,
			"-drive", fmt.Sprintf("file=%s,if=none,id=disk%d,format=raw,media=cdrom,read-only=on", spec.CDROMISO, diskIndex),
			"-device", fmt.Sprintf("virtio-scsi-pci,id=scsi%d,disable-legacy=on,iommu_platform=true", diskIndex),
			"-device", fmt.Sprintf("scsi-cd,drive=disk%d", diskIndex),
		)
		diskIndex++
	}

	if len(spec.PortForwarding) > 0 {
		args = append(args, "-device", "virtio-net-pci,netdev=vmnic,romfile=")
		netdev := "user,id=vmnic"
		for _, fw := range spec.PortForwarding {
			netdev += fmt.Sprintf(",hostfwd=tcp:127.0.0.1:%d-:%d", fw.Host, fw.Guest)
		}
		args = append(args, "-netdev", netdev)
	}

	for i, addr := range spec.GPUs {
		k := i + 1
		args = append(args,
			"-device", fmt.Sprintf("pcie-root-port,id=gpu%d,bus=pcie.0", k),
			"-device", fmt.Sprintf("vfio-pci,host=%s,bus=gpu%d", addr, k),
		)
	}

	return args
}
