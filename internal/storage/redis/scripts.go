package redis

const (
	// createDeviceScript atomically claims the phone number index and writes
	// the device hash. Returns 'DUPLICATE_PHONE' when the number is taken and
	// 'DUPLICATE_ID' when the id already exists.
	createDeviceScript = `
local device_key = KEYS[1]   -- {prefix}:device:{id}
local phone_key = KEYS[2]    -- {prefix}:phone:{phoneNumber}
local devices_set = KEYS[3]  -- {prefix}:devices

local device_id = ARGV[1]

if redis.call('EXISTS', phone_key) == 1 then
  return 'DUPLICATE_PHONE'
end
if redis.call('EXISTS', device_key) == 1 then
  return 'DUPLICATE_ID'
end

local fields = {}
for i = 2, #ARGV do
  fields[#fields + 1] = ARGV[i]
end

redis.call('HSET', device_key, unpack(fields))
redis.call('SET', phone_key, device_id)
redis.call('SADD', devices_set, device_id)

return 'OK'
`

	// updateDeviceScript sets and removes hash fields of an existing device.
	// ARGV[1] is the number of HSET arguments that follow; every argument
	// after those is a field to delete. Returns 0 when the device is missing.
	updateDeviceScript = `
local device_key = KEYS[1]   -- {prefix}:device:{id}

if redis.call('EXISTS', device_key) == 0 then
  return 0
end

local nset = tonumber(ARGV[1])
if nset > 0 then
  local set_args = {}
  for i = 2, nset + 1 do
    set_args[#set_args + 1] = ARGV[i]
  end
  redis.call('HSET', device_key, unpack(set_args))
end

if #ARGV > nset + 1 then
  local del_args = {}
  for i = nset + 2, #ARGV do
    del_args[#del_args + 1] = ARGV[i]
  end
  redis.call('HDEL', device_key, unpack(del_args))
end

return 1
`

	// deleteDeviceScript removes the device hash, its phone index and its
	// membership in the devices set. Returns 0 when the device is missing.
	deleteDeviceScript = `
local device_key = KEYS[1]   -- {prefix}:device:{id}
local devices_set = KEYS[2]  -- {prefix}:devices

local device_id = ARGV[1]
local phone_prefix = ARGV[2] -- {prefix}:phone:

local phone = redis.call('HGET', device_key, 'phone_number')
if not phone then
  return 0
end

redis.call('DEL', device_key)
redis.call('DEL', phone_prefix .. phone)
redis.call('SREM', devices_set, device_id)

return 1
`
)
