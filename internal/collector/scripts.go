package collector

// linuxScanScript runs every drift check in one SSH round trip and prints
// a single JSON object, mirroring the HostSnapshot fields the six drift
// checks read. Any tool that isn't installed degrades its field to a zero value
// rather than failing the whole scan.
const linuxScanScript = `#!/bin/bash
set -o pipefail

patch_age=0
pending=0
if command -v apt-get >/dev/null 2>&1; then
    pending=$(apt-get -s upgrade 2>/dev/null | grep -c '^Inst' || true)
elif command -v dnf >/dev/null 2>&1; then
    pending=$(dnf check-update 2>/dev/null | grep -c '^[a-zA-Z]' || true)
fi

av_running=false
command -v clamd >/dev/null 2>&1 && pgrep -x clamd >/dev/null 2>&1 && av_running=true
av_age_hours=0
[ -f /var/lib/clamav/daily.cvd ] && av_age_hours=$(( ( $(date +%s) - $(stat -c %Y /var/lib/clamav/daily.cvd) ) / 3600 ))

last_backup=""
[ -f /var/log/backup.lastrun ] && last_backup=$(date -u -d "@$(stat -c %Y /var/log/backup.lastrun)" +%Y-%m-%dT%H:%M:%SZ 2>/dev/null)
last_restore_test=""

audit_enabled=false
command -v auditctl >/dev/null 2>&1 && auditctl -s 2>/dev/null | grep -q "enabled 1" && audit_enabled=true

fw_enabled=false
fw_policy="unknown"
if command -v ufw >/dev/null 2>&1 && ufw status 2>/dev/null | grep -q "Status: active"; then
    fw_enabled=true
    ufw status verbose 2>/dev/null | grep -q "deny (incoming)" && fw_policy="deny"
elif command -v nft >/dev/null 2>&1 && nft list ruleset 2>/dev/null | grep -q "hook input"; then
    fw_enabled=true
    nft list ruleset 2>/dev/null | grep -q "policy drop" && fw_policy="deny"
fi

disk_encrypted=false
command -v lsblk >/dev/null 2>&1 && lsblk -o TYPE 2>/dev/null | grep -q crypt && disk_encrypted=true

cat <<JSON
{
  "critical_patch_age_days": ${patch_age},
  "pending_patch_count": ${pending},
  "av_edr_running": ${av_running},
  "av_definitions_age_hours": ${av_age_hours},
  "last_backup_success": "${last_backup}",
  "last_restore_test": "${last_restore_test}",
  "audit_logging_enabled": ${audit_enabled},
  "firewall_enabled": ${fw_enabled},
  "firewall_default_policy": "${fw_policy}",
  "disk_encryption_enabled": ${disk_encrypted}
}
JSON
`

// windowsScanScript is the PowerShell equivalent, run over WinRM.
const windowsScanScript = `
$ErrorActionPreference = "SilentlyContinue"

$pending = (Get-HotFix | Where-Object { $_.InstalledOn -eq $null }).Count
$patchAge = 0
$lastHotfix = Get-HotFix | Sort-Object InstalledOn -Descending | Select-Object -First 1
if ($lastHotfix -and $lastHotfix.InstalledOn) {
    $patchAge = (New-TimeSpan -Start $lastHotfix.InstalledOn -End (Get-Date)).Days
}

$mp = Get-MpComputerStatus
$avRunning = [bool]($mp.AMServiceEnabled -and $mp.RealTimeProtectionEnabled)
$avAgeHours = [int]($mp.AntivirusSignatureAge * 24)

$lastBackup = ""
$wbSummary = wbadmin get versions 2>$null | Select-String "Backup time"
if ($wbSummary) { $lastBackup = (Get-Date).ToUniversalTime().ToString("o") }

$auditEnabled = $false
$auditOut = auditpol /get /category:* 2>$null
if ($auditOut -and -not ($auditOut | Select-String "No Auditing")) { $auditEnabled = $true }

$fwProfiles = Get-NetFirewallProfile
$fwEnabled = [bool](($fwProfiles | Where-Object { $_.Enabled -eq $false }).Count -eq 0)
$fwPolicy = "unknown"
if (($fwProfiles | Where-Object { $_.DefaultInboundAction -ne "Block" }).Count -eq 0) { $fwPolicy = "deny" }

$bitlocker = Get-BitLockerVolume -MountPoint "C:"
$diskEncrypted = [bool]($bitlocker.VolumeStatus -eq "FullyEncrypted")

$result = @{
    critical_patch_age_days  = $patchAge
    pending_patch_count      = $pending
    av_edr_running           = $avRunning
    av_definitions_age_hours = $avAgeHours
    last_backup_success      = $lastBackup
    last_restore_test        = ""
    audit_logging_enabled    = $auditEnabled
    firewall_enabled         = $fwEnabled
    firewall_default_policy  = $fwPolicy
    disk_encryption_enabled  = $diskEncrypted
}
$result | ConvertTo-Json
`
