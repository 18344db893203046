package api

const indexHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Firmware Update</title>
</head>
<body style="font-family: monospace">
  <h1>Firmware Update</h1>
  <input type="file" id="firmware" accept=".bin"><br><br>
  <button onclick="uploadFirmware()">Upload firmware</button>
  <button onclick="downloadCoredump()">Download coredump</button>
  <button onclick="rebootToApp()">Reboot to app</button>
  <hr>
  <pre id="status"></pre>
  <script>
    const status = () => document.getElementById('status');
    async function uploadFirmware() {
      const input = document.getElementById('firmware');
      if (!input.files.length) {
        status().textContent = 'No file selected.';
        return;
      }
      const data = await input.files[0].arrayBuffer();
      try {
        status().textContent = 'Uploading...';
        const res = await fetch('/ota', {
          method: 'POST',
          headers: { 'Content-Type': 'application/octet-stream' },
          body: data
        });
        status().textContent = res.ok ? 'Upload successful.' : 'Upload failed: ' + res.statusText;
      } catch (err) {
        status().textContent = 'Error: ' + err;
      }
    }
    async function downloadCoredump() {
      try {
        const res = await fetch('/coredump');
        if (!res.ok) throw new Error('Failed to fetch coredump');
        const url = URL.createObjectURL(await res.blob());
        const a = document.createElement('a');
        a.href = url;
        a.download = 'coredump.bin';
        a.click();
        URL.revokeObjectURL(url);
      } catch (err) {
        status().textContent = 'Error: ' + err;
      }
    }
    async function rebootToApp() {
      try {
        const res = await fetch('/reboot', { method: 'POST' });
        status().textContent = res.ok ? 'Reboot successful.' : 'Reboot failed: ' + res.statusText;
      } catch (err) {
        status().textContent = 'Error: ' + err;
      }
    }
  </script>
</body>
</html>
`
